package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/chain-indexer/infrastructure/testutil"
	"github.com/R3E-Network/chain-indexer/internal/authn"
	"github.com/R3E-Network/chain-indexer/internal/nodeclient"
	"github.com/R3E-Network/chain-indexer/internal/registry"
	"github.com/R3E-Network/chain-indexer/internal/streamer"
	"github.com/R3E-Network/chain-indexer/internal/supervisor"
	"github.com/R3E-Network/chain-indexer/pkg/pgnotify"
)

const testSchema = `
type Ping {
  id: ID!
  value: UInt64!
}
`

const testManifest = "namespace: ns\nidentifier: web\nmodule:\n  kind: js\n"

func newTestServer(t *testing.T, db *sql.DB, auth *authn.Authenticator, bus *pgnotify.Bus) *Server {
	t.Helper()
	reg := registry.New(db)
	node := nodeclient.New(nodeclient.Config{Endpoint: "http://127.0.0.1:0"}, nil)
	sup := supervisor.New(db, reg, node, streamer.Config{IdleWait: 50 * time.Millisecond}, nil)
	return New(sup, bus, auth, db, "indexer_control", nil)
}

func TestHealthz(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := newTestServer(t, db, nil, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ok"`)
}

func TestReadyzChecksDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	srv := newTestServer(t, db, nil, nil)

	mock.ExpectPing()
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestListRequiresOperatorToken(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	auth := authn.New(registry.New(db), authn.Config{SigningKey: []byte("test-key")})
	srv := newTestServer(t, db, auth, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/indexers", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestNonceExchangeIssuesUsableToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	auth := authn.New(registry.New(db), authn.Config{SigningKey: []byte("test-key")})
	srv := newTestServer(t, db, auth, nil)
	handler := srv.Handler()

	mock.ExpectExec(`INSERT INTO nonce`).WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(map[string]string{"subject": "ops"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/nonce", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var nr nonceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &nr))
	require.NotEmpty(t, nr.Nonce)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT expiry FROM nonce`).
		WithArgs(nr.Nonce).
		WillReturnRows(sqlmock.NewRows([]string{"expiry"}).AddRow(time.Now().UTC().Add(time.Minute)))
	mock.ExpectExec(`DELETE FROM nonce`).WithArgs(nr.Nonce).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body, _ = json.Marshal(map[string]string{"subject": "ops", "nonce": nr.Nonce})
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var tr tokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tr))
	require.NotEmpty(t, tr.Token)

	// The minted token must open the protected listing endpoint.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/indexers", nil)
	req.Header.Set("Authorization", "Bearer "+tr.Token)
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRegisterUploadCreatesIndexer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := newTestServer(t, db, nil, nil)

	mock.ExpectQuery(`SELECT id, namespace, identifier, pubkey, created_ts FROM indexer`).
		WithArgs("ns", "web").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	for i := 0; i < 4; i++ {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectQuery(`INSERT INTO indexer`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(`SELECT MAX\(version\)`).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
		mock.ExpectExec(`INSERT INTO indexer_asset`).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, content := range map[string]string{
		"manifest": testManifest,
		"schema":   testSchema,
		"module":   `function handle_events(b) {}`,
	} {
		fw, err := mw.CreateFormFile(field, field)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	ts := testutil.NewHTTPTestServer(t, srv.Handler())
	defer ts.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.URL+"/api/indexers", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	srv.sup.StopAll()
}

func TestRegisterRejectsNonMultipart(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := newTestServer(t, db, nil, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/indexers", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReloadPublishesControlRequest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bus, err := pgnotify.NewWithDB(db, "postgres://127.0.0.1:1/x?sslmode=disable", nil)
	require.NoError(t, err)
	defer bus.Close()

	srv := newTestServer(t, db, nil, bus)

	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs("indexer_control", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/indexers/ns/web/reload", nil))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), "ns.web")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStopWithoutBusUnavailable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := newTestServer(t, db, nil, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/indexers/ns/web/stop", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
