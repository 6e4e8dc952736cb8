package qtrust

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kardianos/qtel/qapi"
	"github.com/kardianos/qtel/qdef"
	"github.com/kardianos/qtel/qmock"
	"github.com/kardianos/qtel/qstore"
)

type testEnv struct {
	dir   string
	cp    *qmock.ControlPlane
	api   *qapi.Client
	store *qstore.FileDataStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cp := qmock.NewControlPlane(t, "key-1", "app")
	api, err := qapi.New(cp.URL(), cp.APIKey)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	store, err := qstore.NewFileDataStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{dir: dir, cp: cp, api: api, store: store}
}

func (e *testEnv) manager(t *testing.T, policy Policy) *Manager {
	t.Helper()
	m, err := NewManager(Config{Store: e.store, Fetcher: e.api, Policy: policy})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (e *testEnv) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := e.store.Exists(key)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestEnsureFetchesAndCaches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.manager(t, TrustCached).Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	onDisk, err := os.ReadFile(filepath.Join(env.dir, KeyCA))
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != string(env.cp.CertificatePEM()) {
		t.Error("cached CA is not the fetched text verbatim")
	}
	if string(a.PEM) != string(onDisk) {
		t.Error("anchor PEM differs from cache")
	}

	again, err := env.manager(t, TrustCached).Ensure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cert.Equal(a.Cert) {
		t.Error("cached anchor differs")
	}
	if got := env.cp.Calls(qmock.CallCertificate); got != 1 {
		t.Errorf("certificate calls = %d, want 1", got)
	}
}

func TestEnsureCorruptCacheNoNetwork(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(env.dir, KeyCA), []byte("-----BEGIN CERTIFICATE-----\nbm90IGEgY2VydA==\n-----END CERTIFICATE-----\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := env.manager(t, TrustCached).Ensure(context.Background())
	var pe *qdef.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if got := env.cp.Calls(qmock.CallCertificate); got != 0 {
		t.Errorf("certificate calls = %d, want 0", got)
	}
}

func TestEnsureFetchFailureLeavesNoFile(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   []byte
		check  func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var fe *qdef.FetchError
				if !errors.As(err, &fe) || fe.Status != http.StatusNotFound {
					t.Fatalf("expected FetchError 404, got %v", err)
				}
			},
		},
		{
			name:   "garbage body",
			status: http.StatusOK,
			body:   []byte("<html>maintenance</html>"),
			check: func(t *testing.T, err error) {
				var pe *qdef.ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("expected ParseError, got %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.cp.SetCertificate(tt.status, tt.body)

			_, err := env.manager(t, TrustCached).Ensure(context.Background())
			tt.check(t, err)
			if !qdef.IsStartupFatal(err) {
				t.Errorf("error not startup fatal: %v", err)
			}
			if env.exists(t, KeyCA) || env.exists(t, KeyDigest) {
				t.Error("files left behind after failed fetch")
			}
		})
	}
}

func TestVerifyDigestRefetchesOnMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.manager(t, VerifyDigest).Ensure(ctx); err != nil {
		t.Fatal(err)
	}

	other, err := qmock.NewCA()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.dir, KeyCA), other.PEM, 0600); err != nil {
		t.Fatal(err)
	}

	// The default policy trusts the replaced file.
	a, err := env.manager(t, TrustCached).Ensure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Cert.Equal(other.Cert) {
		t.Error("TrustCached did not use the cached file")
	}

	a, err = env.manager(t, VerifyDigest).Ensure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.Cert.Equal(other.Cert) {
		t.Error("VerifyDigest accepted a file that does not match its digest")
	}
	if got := env.cp.Calls(qmock.CallCertificate); got != 2 {
		t.Errorf("certificate calls = %d, want 2", got)
	}
}

func TestRefreshExpired(t *testing.T) {
	env := newTestEnv(t)
	old, err := qmock.NewCAValid(time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.dir, KeyCA), old.PEM, 0600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a, err := env.manager(t, TrustCached).Ensure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Cert.Equal(old.Cert) {
		t.Error("TrustCached refetched an expired anchor")
	}

	a, err = env.manager(t, RefreshExpired).Ensure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.Expired(time.Now()) {
		t.Error("RefreshExpired returned an expired anchor")
	}
	if got := env.cp.Calls(qmock.CallCertificate); got != 1 {
		t.Errorf("certificate calls = %d, want 1", got)
	}
}

func TestInvalidate(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, TrustCached)
	ctx := context.Background()
	if _, err := m.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Invalidate(); err != nil {
		t.Fatal(err)
	}
	if env.exists(t, KeyCA) || env.exists(t, KeyDigest) {
		t.Error("Invalidate left files")
	}
	if _, err := m.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if got := env.cp.Calls(qmock.CallCertificate); got != 2 {
		t.Errorf("certificate calls = %d, want 2", got)
	}
}

func TestTLSConfigPinsAnchor(t *testing.T) {
	ca, err := qmock.NewCA()
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := ca.Issue("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{leaf}}
	srv.StartTLS()
	defer srv.Close()

	get := func(pemData []byte) error {
		a, err := ParseAnchor(pemData)
		if err != nil {
			t.Fatal(err)
		}
		cfg := a.TLSConfig("127.0.0.1")
		if cfg.MinVersion != tls.VersionTLS12 {
			t.Errorf("MinVersion = %x", cfg.MinVersion)
		}
		hc := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
		resp, err := hc.Get(srv.URL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	if err := get(ca.PEM); err != nil {
		t.Errorf("handshake with pinned anchor failed: %v", err)
	}
	other, err := qmock.NewCA()
	if err != nil {
		t.Fatal(err)
	}
	if err := get(other.PEM); err == nil {
		t.Error("handshake succeeded with an unrelated anchor")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": TrustCached, "cached": TrustCached, "DIGEST": VerifyDigest, "expiry": RefreshExpired} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("never"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
