package syncpolicy

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Op is the change a message announces.
type Op string

const (
	// OpRefresh: the entry was written; peers drop their L1 copy and
	// re-read L2 on next access.
	OpRefresh Op = "refresh"
	// OpClear: the entry (or the whole cache when no key) was evicted.
	OpClear Op = "clear"
)

func (o Op) valid() bool { return o == OpRefresh || o == OpClear }

// Message is the invalidation envelope exchanged between instances.
// It is immutable; build it with NewKeyMessage or NewClearMessage.
type Message struct {
	instanceID string
	cacheType  string
	cacheName  string
	key        *string
	op         Op
}

// NewKeyMessage announces op on a single key.
func NewKeyMessage(instanceID, cacheType, cacheName, key string, op Op) Message {
	return Message{instanceID: instanceID, cacheType: cacheType, cacheName: cacheName, key: &key, op: op}
}

// NewClearMessage announces that the whole cache was cleared.
func NewClearMessage(instanceID, cacheType, cacheName string) Message {
	return Message{instanceID: instanceID, cacheType: cacheType, cacheName: cacheName, op: OpClear}
}

func (m Message) InstanceID() string { return m.instanceID }
func (m Message) CacheType() string  { return m.cacheType }
func (m Message) CacheName() string  { return m.cacheName }
func (m Message) Op() Op             { return m.op }

// Key returns the affected key; ok is false for whole-cache messages.
func (m Message) Key() (key string, ok bool) {
	if m.key == nil {
		return "", false
	}
	return *m.key, true
}

func (m Message) String() string {
	k, ok := m.Key()
	if !ok {
		k = "*"
	}
	return fmt.Sprintf("%s %s/%s from %s", m.op, m.cacheName, k, m.instanceID)
}

// ---- codec ----

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidMessage is returned for envelopes missing required fields.
var ErrInvalidMessage = errors.New("syncpolicy: invalid message")

type wireMessage struct {
	InstanceID string  `json:"instanceId"`
	CacheType  string  `json:"cacheType"`
	CacheName  string  `json:"cacheName"`
	Key        *string `json:"key"`
	OptType    Op      `json:"optType"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		InstanceID: m.instanceID,
		CacheType:  m.cacheType,
		CacheName:  m.cacheName,
		Key:        m.key,
		OptType:    m.op,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.CacheName == "" || !w.OptType.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, data)
	}
	*m = Message{
		instanceID: w.InstanceID,
		cacheType:  w.CacheType,
		cacheName:  w.CacheName,
		key:        w.Key,
		op:         w.OptType,
	}
	return nil
}

// Decode parses a transport payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(payload, &m)
	return m, err
}
