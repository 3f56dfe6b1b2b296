package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidChannel = errors.New("invalid channel identifier")

type ChannelKind int

const (
	ChannelKindProject ChannelKind = iota + 1
	ChannelKindDirect
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelKindProject:
		return "project"
	case ChannelKindDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ChannelID - закрытый вариант: канал проекта или личный канал пары пользователей.
// Значение сравнимо и годится как ключ map.
type ChannelID struct {
	kind       ChannelKind
	projectID  string
	categoryID string
	channelID  string
	pairID     string
}

const (
	projectKeyPrefix = "project:"
	directKeyPrefix  = "dm:"
	pairSeparator    = "_"
)

func ProjectChannel(projectID, categoryID, channelID string) ChannelID {
	return ChannelID{
		kind:       ChannelKindProject,
		projectID:  projectID,
		categoryID: categoryID,
		channelID:  channelID,
	}
}

// DirectChannel: pairId детерминирован - отсортированные id, склеенные через "_",
// поэтому оба собеседника получают один и тот же канал без согласования.
// "_", "/" и "%" внутри id экранируются, так что разбор pairId однозначен.
func DirectChannel(userA, userB string) ChannelID {
	return ChannelID{kind: ChannelKindDirect, pairID: PairID(userA, userB)}
}

var (
	pairEscaper   = strings.NewReplacer("%", "%25", "_", "%5F", "/", "%2F")
	pairUnescaper = strings.NewReplacer("%25", "%", "%5F", "_", "%2F", "/")
)

func PairID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return pairEscaper.Replace(ids[0]) + pairSeparator + pairEscaper.Replace(ids[1])
}

// SplitPairID восстанавливает id собеседников; ok=false для pairId, не построенного PairID
func SplitPairID(pairID string) (userA, userB string, ok bool) {
	parts := strings.Split(pairID, pairSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	userA, userB = pairUnescaper.Replace(parts[0]), pairUnescaper.Replace(parts[1])
	if PairID(userA, userB) != pairID {
		return "", "", false
	}
	return userA, userB, true
}

func (c ChannelID) Kind() ChannelKind  { return c.kind }
func (c ChannelID) ProjectID() string  { return c.projectID }
func (c ChannelID) CategoryID() string { return c.categoryID }
func (c ChannelID) Channel() string    { return c.channelID }
func (c ChannelID) PairID() string     { return c.pairID }
func (c ChannelID) IsZero() bool       { return c.kind == 0 }

func (c ChannelID) Validate() error {
	switch c.kind {
	case ChannelKindProject:
		if c.projectID == "" || c.categoryID == "" || c.channelID == "" {
			return fmt.Errorf("%w: project channel requires project, category and channel ids", ErrInvalidChannel)
		}
		for _, part := range []string{c.projectID, c.categoryID, c.channelID} {
			if strings.Contains(part, "/") {
				return fmt.Errorf("%w: %q contains '/'", ErrInvalidChannel, part)
			}
		}
	case ChannelKindDirect:
		if _, _, ok := SplitPairID(c.pairID); !ok {
			return fmt.Errorf("%w: malformed pair id %q", ErrInvalidChannel, c.pairID)
		}
	default:
		return ErrInvalidChannel
	}
	return nil
}

// Key - идентификатор комнаты на проводе (roomId)
func (c ChannelID) Key() string {
	switch c.kind {
	case ChannelKindProject:
		return projectKeyPrefix + c.projectID + "/" + c.categoryID + "/" + c.channelID
	case ChannelKindDirect:
		return directKeyPrefix + c.pairID
	default:
		return ""
	}
}

func (c ChannelID) String() string { return c.Key() }

func ParseChannelKey(key string) (ChannelID, error) {
	switch {
	case strings.HasPrefix(key, projectKeyPrefix):
		parts := strings.Split(strings.TrimPrefix(key, projectKeyPrefix), "/")
		if len(parts) != 3 {
			return ChannelID{}, fmt.Errorf("%w: %q", ErrInvalidChannel, key)
		}
		ch := ProjectChannel(parts[0], parts[1], parts[2])
		return ch, ch.Validate()
	case strings.HasPrefix(key, directKeyPrefix):
		ch := ChannelID{kind: ChannelKindDirect, pairID: strings.TrimPrefix(key, directKeyPrefix)}
		return ch, ch.Validate()
	default:
		return ChannelID{}, fmt.Errorf("%w: %q", ErrInvalidChannel, key)
	}
}

// CollectionPath - путь коллекции сообщений в документном хранилище.
// Категория в путь не входит.
func (c ChannelID) CollectionPath() string {
	switch c.kind {
	case ChannelKindProject:
		return "projects/" + c.projectID + "/channels/" + c.channelID + "/messages"
	case ChannelKindDirect:
		return "dm_channels/" + c.pairID + "/messages"
	default:
		return ""
	}
}

func (c ChannelID) MessagePath(messageID string) string {
	return c.CollectionPath() + "/" + messageID
}
