// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/xaenox/antispam-bot/internal/platform"
)

type msgKey struct {
	chat int64
	id   int
}

// Fake is a scripted platform. Zero values mean "nothing there".
type Fake struct {
	mu sync.Mutex

	Peers            map[int64]platform.Peer
	Participants     map[int64][]platform.Peer
	Messages         map[msgKey]platform.Message
	History          map[int64][]platform.Message
	PersonalChannels map[int64]int64
	LinkedChats      map[int64]int64
	Photos           map[int64][]byte
	MessagePhotos    map[msgKey][]byte

	// Errors injected per operation.
	SenderErr       error
	ParticipantsErr error
	HistoryErr      error
	PersonalErr     error
	// ReplyErrAt fails ReplyTarget for the given message ids.
	ReplyErrAt map[int]error

	Calls map[string]int
}

func New() *Fake {
	return &Fake{
		Peers:            map[int64]platform.Peer{},
		Participants:     map[int64][]platform.Peer{},
		Messages:         map[msgKey]platform.Message{},
		History:          map[int64][]platform.Message{},
		PersonalChannels: map[int64]int64{},
		LinkedChats:      map[int64]int64{},
		Photos:           map[int64][]byte{},
		MessagePhotos:    map[msgKey][]byte{},
		ReplyErrAt:       map[int]error{},
		Calls:            map[string]int{},
	}
}

// AddPeer registers a user, channel or group.
func (f *Fake) AddPeer(p platform.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Peers[p.ID] = p
}

// AddMessage registers a message reachable through ReplyTarget.
func (f *Fake) AddMessage(m platform.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages[msgKey{m.ChatID, m.ID}] = m
}

// SetMessagePhoto attaches photo bytes to a message.
func (f *Fake) SetMessagePhoto(chatID int64, id int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MessagePhotos[msgKey{chatID, id}] = data
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	f.Calls[op]++
	f.mu.Unlock()
}

func (f *Fake) Sender(_ context.Context, msg *platform.Message) (*platform.Peer, error) {
	f.record("Sender")
	if f.SenderErr != nil {
		return nil, f.SenderErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Peers[msg.SenderID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *Fake) ListParticipants(_ context.Context, chatID int64, offset, limit int) ([]platform.Peer, error) {
	f.record("ListParticipants")
	if f.ParticipantsErr != nil {
		return nil, f.ParticipantsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.Participants[chatID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]platform.Peer(nil), all[offset:end]...), nil
}

func (f *Fake) RecentMessages(_ context.Context, peer platform.Peer, limit int) ([]platform.Message, error) {
	f.record("RecentMessages")
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.History[peer.ID]
	if len(h) > limit {
		h = h[:limit]
	}
	return append([]platform.Message(nil), h...), nil
}

func (f *Fake) ReplyTarget(_ context.Context, msg *platform.Message) (*platform.Message, error) {
	f.record("ReplyTarget")
	if err := f.ReplyErrAt[msg.ID]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Messages[msgKey{msg.ChatID, msg.ReplyToID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *Fake) PersonalChannel(_ context.Context, userID int64) (*platform.Peer, error) {
	f.record("PersonalChannel")
	if f.PersonalErr != nil {
		return nil, f.PersonalErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.PersonalChannels[userID]
	if !ok {
		return nil, nil
	}
	p, ok := f.Peers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *Fake) LinkedDiscussionChat(_ context.Context, chatID int64) (*platform.Peer, error) {
	f.record("LinkedDiscussionChat")
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.LinkedChats[chatID]
	if !ok {
		return nil, nil
	}
	p, ok := f.Peers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *Fake) Chat(_ context.Context, chatID int64) (*platform.Peer, error) {
	f.record("Chat")
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Peers[chatID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *Fake) DownloadProfilePhoto(_ context.Context, peer platform.Peer, w io.Writer) error {
	f.record("DownloadProfilePhoto")
	f.mu.Lock()
	data, ok := f.Photos[peer.ID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %d has no photo", peer.ID)
	}
	_, err := w.Write(data)
	return err
}

func (f *Fake) DownloadMessagePhoto(_ context.Context, msg *platform.Message, w io.Writer) error {
	f.record("DownloadMessagePhoto")
	f.mu.Lock()
	data, ok := f.MessagePhotos[msgKey{msg.ChatID, msg.ID}]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("message %d has no photo", msg.ID)
	}
	_, err := w.Write(data)
	return err
}
