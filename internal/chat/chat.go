// Package chat talks to the messaging service that owns chat rooms between
// an explorer and an AS. Message storage and delivery live there.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Messenger allocates rooms and posts system messages into them.
type Messenger interface {
	AllocateRoom(ctx context.Context, participantA, participantB string) (string, error)
	NotifyRoom(ctx context.Context, handle, message string) error
}

// SortedPair orders two participant ids so a room is keyed the same way
// whichever side asks for it.
func SortedPair(a, b string) (string, string) {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0], pair[1]
}

var roomNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("servimatch/chat-room"))

// Local derives room handles from the participant pair and logs system
// messages instead of delivering them. It is used when no chat endpoint is
// configured.
type Local struct {
	Logger *slog.Logger

	mu       sync.Mutex
	messages map[string][]string
}

func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Local{Logger: logger, messages: map[string][]string{}}
}

func (l *Local) AllocateRoom(_ context.Context, participantA, participantB string) (string, error) {
	if strings.TrimSpace(participantA) == "" || strings.TrimSpace(participantB) == "" {
		return "", errors.New("chat: both participants required")
	}
	a, b := SortedPair(participantA, participantB)
	return "room_" + uuid.NewSHA1(roomNamespace, []byte(a+"|"+b)).String(), nil
}

func (l *Local) NotifyRoom(_ context.Context, handle, message string) error {
	if handle == "" {
		return errors.New("chat: room handle required")
	}
	l.mu.Lock()
	if l.messages == nil {
		l.messages = map[string][]string{}
	}
	l.messages[handle] = append(l.messages[handle], message)
	l.mu.Unlock()
	if l.Logger != nil {
		l.Logger.Info("chat system message", "room", handle, "message", message)
	}
	return nil
}

// Messages returns the system messages posted to handle so far.
func (l *Local) Messages(handle string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages[handle]...)
}
