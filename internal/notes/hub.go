package notes

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/binaflow/binaflow-go/internal/notes/notespb"
	"github.com/binaflow/binaflow-go/pkg/session"
)

const hubLogPrefix = "notes:hub"

type watcher struct {
	sess *session.Session
	tag  string
}

// Hub fans NoteChanged frames out to watching sessions. A session is dropped
// when its context ends.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]watcher
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]watcher)}
}

// Watch registers sess, replacing any earlier filter it had.
func (h *Hub) Watch(sess *session.Session, tag string) {
	h.mu.Lock()
	_, existed := h.watchers[sess.ID()]
	h.watchers[sess.ID()] = watcher{sess: sess, tag: tag}
	h.mu.Unlock()

	if existed {
		return
	}
	go func() {
		<-sess.Context().Done()
		h.mu.Lock()
		delete(h.watchers, sess.ID())
		h.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - Session %s stopped watching", hubLogPrefix, sess.ID()))
	}()
}

// Len returns the number of watching sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// Broadcast sends change to every watcher whose filter matches tags. Send
// failures are logged; they do not affect the other watchers.
func (h *Hub) Broadcast(change *notespb.NoteChanged, tags []string) {
	h.mu.Lock()
	targets := make([]watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		if w.tag == "" || contains(tags, w.tag) {
			targets = append(targets, w)
		}
	}
	h.mu.Unlock()

	for _, w := range targets {
		if w.sess.Closed() {
			continue
		}
		if err := w.sess.Send(change); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to push %s to session %s: %v", hubLogPrefix, change.Change, w.sess.ID(), err))
		}
	}
}

func contains(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
