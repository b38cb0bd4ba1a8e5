package orion

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const sessionIDLength = 32

// SessionStore is the session backend used by the API. Session payloads
// live server-side in the `sessions` table; the cookie only carries a
// signed session ID.
type SessionStore interface {
	sessions.Store

	// DeleteExpired removes session rows past their expiry.
	DeleteExpired() error
}

// NewSessionStore returns a database-backed SessionStore signing session
// IDs with the given key pairs.
func NewSessionStore(db *gorm.DB, keyPairs ...[]byte) SessionStore {
	codecs := securecookie.CodecsFromPairs(keyPairs...)
	for _, codec := range codecs {
		if sc, ok := codec.(*securecookie.SecureCookie); ok {
			sc.MaxLength(math.MaxInt16)
		}
	}
	return &gormSessionStore{
		db:     db,
		codecs: codecs,
		options: &gsessions.Options{
			Path:   "/",
			MaxAge: int(DefaultSessionMaxAge.Seconds()),
		},
	}
}

type gormSessionStore struct {
	db      *gorm.DB
	codecs  []securecookie.Codec
	options *gsessions.Options
}

func (s *gormSessionStore) Options(options sessions.Options) {
	s.options = options.ToGorillaOptions()
}

func (s *gormSessionStore) Get(r *http.Request, name string) (
	*gsessions.Session,
	error,
) {
	return gsessions.GetRegistry(r).Get(s, name)
}

// New loads the session identified by the request's signed cookie, or
// returns a fresh one. An expired or unknown session ID yields a fresh
// session rather than an error.
func (s *gormSessionStore) New(r *http.Request, name string) (
	*gsessions.Session,
	error,
) {
	session := gsessions.NewSession(s, name)
	opts := *s.options
	session.Options = &opts
	session.IsNew = true

	cookie, err := r.Cookie(name)
	if err != nil {
		return session, nil
	}
	var sessionID string
	if err = securecookie.DecodeMulti(
		name, cookie.Value, &sessionID, s.codecs...,
	); err != nil {
		return session, nil
	}

	var record SessionRecord
	err = s.db.Where("id = ?", sessionID).Take(&record).Error
	if err != nil || record.ExpiresAt <= time.Now().UnixMilli() {
		return session, nil
	}
	values, err := decodeSessionValues(record.Data)
	if err != nil {
		return session, nil
	}
	session.ID = sessionID
	session.Values = values
	session.IsNew = false
	return session, nil
}

// Save persists the session and refreshes its expiry, sliding the window
// forward on every write. A MaxAge <= 0 destroys the session.
func (s *gormSessionStore) Save(
	r *http.Request,
	w http.ResponseWriter,
	session *gsessions.Session,
) error {
	if session.Options.MaxAge <= 0 {
		if session.ID != "" {
			if err := s.db.Delete(
				&SessionRecord{}, "id = ?", session.ID,
			).Error; err != nil {
				return fmt.Errorf("deleting session: %w", err)
			}
		}
		http.SetCookie(
			w, gsessions.NewCookie(session.Name(), "", session.Options),
		)
		return nil
	}

	if session.ID == "" {
		sessionID, err := generateRandomHexString(sessionIDLength)
		if err != nil {
			return fmt.Errorf("generating session id: %w", err)
		}
		session.ID = sessionID
	}

	data, err := encodeSessionValues(session.Values)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	expiresAt := time.Now().Add(
		time.Duration(session.Options.MaxAge) * time.Second,
	).UnixMilli()
	record := SessionRecord{
		ID:        session.ID,
		Data:      data,
		ExpiresAt: expiresAt,
	}
	err = s.db.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"data", "expires_at", "updated_at"},
			),
		},
	).Create(&record).Error
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	encoded, err := securecookie.EncodeMulti(
		session.Name(), session.ID, s.codecs...,
	)
	if err != nil {
		return fmt.Errorf("encoding session cookie: %w", err)
	}
	http.SetCookie(
		w, gsessions.NewCookie(session.Name(), encoded, session.Options),
	)
	return nil
}

func (s *gormSessionStore) DeleteExpired() error {
	return s.db.Delete(
		&SessionRecord{},
		"expires_at <= ?",
		time.Now().UnixMilli(),
	).Error
}

func encodeSessionValues(values map[any]any) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(values); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeSessionValues(data string) (map[any]any, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	var values map[any]any
	err = gob.NewDecoder(bytes.NewReader(raw)).Decode(&values)
	if err != nil {
		return nil, err
	}
	return values, nil
}
