package session

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBSession is the stored form of the authenticated session. The bearer
// token is sealed before it goes in, so Token here is ciphertext.
type DBSession struct {
	UserID      string `msgpack:"userId"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Token       []byte `msgpack:"token"`
	SavedAt     int64  `msgpack:"savedAt"`
}

func (s *DBSession) Key() []byte {
	return []byte("current")
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

// DBSubscription is a stored web-push subscription, as handed out by the
// browser's push service.
type DBSubscription struct {
	Endpoint string `msgpack:"endpoint"`
	Auth     string `msgpack:"auth"`
	P256dh   string `msgpack:"p256dh"`
}

func (s *DBSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSubscription) UnmarshalBinary(data []byte) error {
	type alias DBSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
