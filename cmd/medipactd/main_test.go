package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najuna-brian/medipact-sub000/internal/config"
	"github.com/najuna-brian/medipact-sub000/internal/domain/grant"
	"github.com/najuna-brian/medipact-sub000/internal/platform/auth"
	"github.com/najuna-brian/medipact-sub000/internal/platform/hipaa"
	"github.com/najuna-brian/medipact-sub000/internal/platform/sweeper"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

func setTestEnv(t *testing.T) {
	t.Helper()
	env := map[string]string{
		"ENV":                     "test",
		"LOG_LEVEL":               "error",
		"GRANT_STORE":             "sqlite",
		"SQLITE_PATH":             filepath.Join(t.TempDir(), "medipact.db"),
		"DATABASE_URL":            "",
		"MASTER_SECRET_SOURCE":    "env",
		"MEDIPACT_MASTER_SECRET":  strings.Repeat("ab", 32),
		"ALLOW_DEV_MASTER_SECRET": "false",
		"TENANT_DIRECTORY":        "static",
		"DIRECTORY_HOSPITALS":     "HOSP-A,HOSP-B,HOSP-C",
		"DIRECTORY_PATIENTS":      "PID-1,PID-2",
		"KDF_MEMORY_KIB":          "64",
		"KDF_ITERATIONS":          "1",
		"KDF_PARALLELISM":         "1",
		"FIELD_POLICY_FILE":       "",
		"SWEEP_INTERVAL":          "2m",
		"GRANT_CLOCK_SKEW":        "0s",
		"AUDIT_CHAIN":             "true",
		"AUTH_ISSUER":             "medipact",
		"AUTH_AUDIENCE":           "",
		"JWT_SIGNING_KEY":         testSigningKey,
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, stderr, err := run(t, stdin, args...)
	require.NoError(t, err, "medipactd %s: %s", strings.Join(args, " "), stderr)
	return out
}

func decodeGrant(t *testing.T, out string) *grant.AccessGrant {
	t.Helper()
	var g grant.AccessGrant
	require.NoError(t, json.Unmarshal([]byte(out), &g))
	return &g
}

func decodeGrants(t *testing.T, out string) []grant.AccessGrant {
	t.Helper()
	var list []grant.AccessGrant
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	return list
}

func decodeLines(t *testing.T, out string) []hipaa.Record {
	t.Helper()
	var recs []hipaa.Record
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r hipaa.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	return recs
}

func requestGrant(t *testing.T) *grant.AccessGrant {
	t.Helper()
	return decodeGrant(t, mustRun(t, "", "grants", "request",
		"--patient", "PID-1", "--requester", "HOSP-B", "--origin", "HOSP-A",
		"--access-type", "telemedicine", "--minutes", "90", "--purpose", "referral"))
}

func TestGrantCommands_Lifecycle(t *testing.T) {
	setTestEnv(t)

	g := requestGrant(t)
	assert.Equal(t, grant.StatusPending, g.Status)
	assert.Nil(t, g.ExpiresAt)

	pending := decodeGrants(t, mustRun(t, "", "grants", "list", "--patient", "PID-1", "--pending"))
	require.Len(t, pending, 1)
	assert.Equal(t, g.ID, pending[0].ID)

	approved := decodeGrant(t, mustRun(t, "", "grants", "approve", g.ID.String(), "--patient", "PID-1"))
	assert.Equal(t, grant.StatusActive, approved.Status)
	require.NotNil(t, approved.ExpiresAt)
	assert.Equal(t, approved.ApprovedAt.Add(90*time.Minute), *approved.ExpiresAt)

	active := decodeGrants(t, mustRun(t, "", "grants", "list", "--requester", "HOSP-B"))
	assert.Len(t, active, 1)

	_, _, err := run(t, "", "grants", "approve", g.ID.String(), "--patient", "PID-1")
	assert.ErrorIs(t, err, grant.ErrInvalidTransition)

	_, _, err = run(t, "", "grants", "revoke", g.ID.String(), "--patient", "PID-2")
	assert.ErrorIs(t, err, grant.ErrNotGrantOwner)

	mustRun(t, "", "grants", "revoke", g.ID.String(), "--patient", "PID-1")
	active = decodeGrants(t, mustRun(t, "", "grants", "list", "--requester", "HOSP-B"))
	assert.Empty(t, active)

	shown := decodeGrant(t, mustRun(t, "", "grants", "show", g.ID.String()))
	assert.Equal(t, grant.StatusRevoked, shown.Status)
	assert.NotNil(t, shown.RevokedAt)

	out := mustRun(t, "", "audit", "verify")
	assert.Contains(t, out, "Audit chain intact: 3 event(s).")
}

func TestGrantCommands_Validation(t *testing.T) {
	setTestEnv(t)

	_, _, err := run(t, "", "grants", "request",
		"--patient", "PID-1", "--requester", "HOSP-A", "--origin", "HOSP-A", "--access-type", "x")
	assert.ErrorIs(t, err, grant.ErrInvalidGrantRequest)

	_, _, err = run(t, "", "grants", "request",
		"--patient", "PID-1", "--requester", "HOSP-B", "--origin", "HOSP-A", "--access-type", "x", "--minutes", "14")
	assert.ErrorIs(t, err, grant.ErrInvalidGrantRequest)

	_, _, err = run(t, "", "grants", "list")
	assert.Error(t, err)

	_, _, err = run(t, "", "grants", "show", "not-a-uuid")
	assert.Error(t, err)
}

func TestRecordsCommands_EncryptReadReencrypt(t *testing.T) {
	setTestEnv(t)

	input := `{"id":"cond-1","diagnosis":"Hypertension","notes":"recheck in 2 weeks","severity":"moderate"}` + "\n" +
		`{"id":"cond-2","diagnosis":"Asthma"}` + "\n"

	sealedOut := mustRun(t, input, "records", "encrypt", "--type", "condition", "--owner", "hospital:HOSP-A")
	sealed := decodeLines(t, sealedOut)
	require.Len(t, sealed, 2)
	assert.True(t, hipaa.IsEncrypted(sealed[0]["diagnosis"].(string)))
	assert.Equal(t, "moderate", sealed[0]["severity"])
	assert.NotContains(t, sealedOut, "Hypertension")

	// The platform sees ciphertext; the owning hospital sees plaintext.
	asPlatform := decodeLines(t, mustRun(t, sealedOut, "records", "read", "--type", "condition", "--owner", "hospital:HOSP-A"))
	assert.Equal(t, sealed[0]["diagnosis"], asPlatform[0]["diagnosis"])

	asOwner := decodeLines(t, mustRun(t, sealedOut, "records", "read", "--type", "condition",
		"--owner", "hospital:HOSP-A", "--as", "hospital:HOSP-A"))
	assert.Equal(t, "Hypertension", asOwner[0]["diagnosis"])
	assert.Equal(t, "Asthma", asOwner[1]["diagnosis"])

	// No grant yet: nothing is re-encrypted.
	out, stderr, err := run(t, sealedOut, "records", "reencrypt", "--type", "condition",
		"--patient", "PID-1", "--origin", "HOSP-A", "--requester", "HOSP-B")
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Contains(t, stderr, "access not currently granted")

	g := requestGrant(t)
	mustRun(t, "", "grants", "approve", g.ID.String(), "--patient", "PID-1")

	resealed := mustRun(t, sealedOut, "records", "reencrypt", "--type", "condition",
		"--patient", "PID-1", "--origin", "HOSP-A", "--requester", "HOSP-B")
	require.Len(t, decodeLines(t, resealed), 2)

	asRequester := decodeLines(t, mustRun(t, resealed, "records", "read", "--type", "condition",
		"--owner", "hospital:HOSP-B", "--as", "hospital:HOSP-B"))
	assert.Equal(t, "Hypertension", asRequester[0]["diagnosis"])
	assert.Equal(t, "recheck in 2 weeks", asRequester[0]["notes"])

	_, stderr, _ = run(t, resealed, "records", "read", "--type", "condition",
		"--owner", "hospital:HOSP-A", "--as", "hospital:HOSP-A")
	assert.Contains(t, stderr, "kept as stored", "origin key no longer opens the re-sealed copy")
}

func TestRecordsCommands_UnknownType(t *testing.T) {
	setTestEnv(t)

	_, _, err := run(t, `{"id":"x"}`, "records", "encrypt", "--type", "invoice", "--owner", "hospital:HOSP-A")
	assert.ErrorIs(t, err, hipaa.ErrUnknownRecordType)
}

func TestKeysFingerprint(t *testing.T) {
	setTestEnv(t)

	a1 := mustRun(t, "", "keys", "fingerprint", "--tenant", "HOSP-A")
	a2 := mustRun(t, "", "keys", "fingerprint", "--tenant", "HOSP-A")
	b := mustRun(t, "", "keys", "fingerprint", "--tenant", "HOSP-B")
	p := mustRun(t, "", "keys", "fingerprint", "--scope", "patient", "--tenant", "HOSP-A")

	assert.Equal(t, a1, a2, "derivation is deterministic")
	assert.NotEqual(t, a1, b)
	assert.NotEqual(t, strings.Fields(a1)[2], strings.Fields(p)[2], "scopes derive distinct keys")
	assert.NotContains(t, a1, strings.Repeat("ab", 32))
}

func TestExpireNowAndMigrate(t *testing.T) {
	setTestEnv(t)

	assert.Contains(t, mustRun(t, "", "expire-now"), "Expired 0 grant(s).")
	assert.Contains(t, mustRun(t, "", "migrate", "up"), "nothing to migrate")
}

func TestInvalidConfigurationFailsFast(t *testing.T) {
	setTestEnv(t)
	t.Setenv("GRANT_CLOCK_SKEW", "30s")

	_, _, err := run(t, "", "expire-now")
	assert.Error(t, err)
}

func signToken(t *testing.T, kind, tenant, patient string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "medipact",
			Subject:   "op-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		PrincipalKind: kind,
		TenantID:      tenant,
		PatientID:     patient,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return s
}

func TestServer_OperatorEndpoints(t *testing.T) {
	setTestEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.close()

	srv := newServer(a, sweeper.New(a.engine, time.Minute, zerolog.Nop()))

	do := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/health/store", "").Code)

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/ops/sweep", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/ops/sweep", "garbage").Code)
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/ops/sweep", signToken(t, "hospital", "HOSP-A", "")).Code)

	platform := signToken(t, "platform", "", "")
	rec := do(http.MethodPost, "/ops/sweep", platform)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"expired":0}`, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(http.MethodGet, "/ops/sweep", platform)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats["passes"])

	rec = do(http.MethodGet, "/ops/audit/head", platform)
	assert.Equal(t, http.StatusOK, rec.Code)
}
