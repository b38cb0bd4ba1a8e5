package orion

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionStore(t testing.TB) SessionStore {
	t.Helper()
	store := testStore(t)
	return NewSessionStore(store.DB(), derive64ByteKey("test-secret"))
}

// sessionCookies runs Save against a recorder and returns the cookies it
// set, for replay on a followup request.
func sessionCookies(
	t testing.TB,
	store SessionStore,
	values map[any]any,
) []*http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	session, err := store.New(req, sessionVarName)
	require.NoError(t, err)
	for k, v := range values {
		session.Values[k] = v
	}
	require.NoError(t, store.Save(req, w, session))
	return w.Result().Cookies()
}

func TestSessionStoreNewWithoutCookie(t *testing.T) {
	t.Parallel()
	store := testSessionStore(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	session, err := store.New(req, sessionVarName)
	require.NoError(t, err)
	assert.True(t, session.IsNew)
	assert.Empty(t, session.ID)
}

func TestSessionStoreRoundtrip(t *testing.T) {
	t.Parallel()
	store := testSessionStore(t)

	cookies := sessionCookies(
		t, store, map[any]any{sessionVarField: AuthenticatedUser{
			Identity: Identity{ID: "user-1", Username: "alice"},
		}},
	)
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	session, err := store.New(req, sessionVarName)
	require.NoError(t, err)
	assert.False(t, session.IsNew)

	user, ok := session.Values[sessionVarField].(AuthenticatedUser)
	require.True(t, ok)
	assert.Equal(t, "alice", user.Identity.Username)
}

func TestSessionStoreTamperedCookie(t *testing.T) {
	t.Parallel()
	store := testSessionStore(t)

	cookies := sessionCookies(t, store, map[any]any{"k": "v"})
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(
		&http.Cookie{Name: sessionVarName, Value: cookies[0].Value + "x"},
	)
	session, err := store.New(req, sessionVarName)
	require.NoError(t, err)
	assert.True(t, session.IsNew)
}

func TestSessionStoreExpiredRow(t *testing.T) {
	t.Parallel()
	dbStore := testStore(t)
	store := NewSessionStore(dbStore.DB(), derive64ByteKey("test-secret"))

	cookies := sessionCookies(t, store, map[any]any{"k": "v"})
	require.Len(t, cookies, 1)

	// force the row past its expiry
	err := dbStore.DB().Model(&SessionRecord{}).
		Where("1 = 1").
		Update("expires_at", time.Now().Add(-time.Minute).UnixMilli()).Error
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	session, err := store.New(req, sessionVarName)
	require.NoError(t, err)
	assert.True(t, session.IsNew)
}

func TestSessionStoreDestroy(t *testing.T) {
	t.Parallel()
	dbStore := testStore(t)
	store := NewSessionStore(dbStore.DB(), derive64ByteKey("test-secret"))

	cookies := sessionCookies(t, store, map[any]any{"k": "v"})
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	session, err := store.New(req, sessionVarName)
	require.NoError(t, err)
	require.False(t, session.IsNew)

	w := httptest.NewRecorder()
	session.Options.MaxAge = -1
	require.NoError(t, store.Save(req, w, session))

	expired := w.Result().Cookies()
	require.Len(t, expired, 1)
	assert.Empty(t, expired[0].Value)

	var count int64
	require.NoError(
		t, dbStore.DB().Model(&SessionRecord{}).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestSessionStoreSlidingExpiry(t *testing.T) {
	t.Parallel()
	dbStore := testStore(t)
	store := NewSessionStore(dbStore.DB(), derive64ByteKey("test-secret"))

	cookies := sessionCookies(t, store, map[any]any{"k": "v"})

	var before SessionRecord
	require.NoError(t, dbStore.DB().Take(&before).Error)

	// push the expiry back, then re-save and check it slid forward
	err := dbStore.DB().Model(&SessionRecord{}).
		Where("id = ?", before.ID).
		Update(
			"expires_at", time.Now().Add(time.Hour).UnixMilli(),
		).Error
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	session, err := store.New(req, sessionVarName)
	require.NoError(t, err)
	require.NoError(t, store.Save(req, httptest.NewRecorder(), session))

	var after SessionRecord
	require.NoError(
		t, dbStore.DB().Where("id = ?", before.ID).Take(&after).Error,
	)
	assert.Greater(
		t, after.ExpiresAt, time.Now().Add(time.Hour).UnixMilli(),
	)

	var count int64
	require.NoError(
		t, dbStore.DB().Model(&SessionRecord{}).Count(&count).Error,
	)
	assert.EqualValues(t, 1, count)
}

func TestSessionStoreDeleteExpired(t *testing.T) {
	t.Parallel()
	dbStore := testStore(t)
	store := NewSessionStore(dbStore.DB(), derive64ByteKey("test-secret"))

	sessionCookies(t, store, map[any]any{"k": "live"})
	sessionCookies(t, store, map[any]any{"k": "dead"})

	var records []SessionRecord
	require.NoError(t, dbStore.DB().Find(&records).Error)
	require.Len(t, records, 2)

	err := dbStore.DB().Model(&SessionRecord{}).
		Where("id = ?", records[0].ID).
		Update("expires_at", time.Now().Add(-time.Minute).UnixMilli()).Error
	require.NoError(t, err)

	require.NoError(t, store.DeleteExpired())

	var remaining []SessionRecord
	require.NoError(t, dbStore.DB().Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, records[1].ID, remaining[0].ID)
}
