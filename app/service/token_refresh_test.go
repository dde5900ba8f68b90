package service

import (
	"auto-upload/app/logger"
	"auto-upload/app/utils/youtubehelper"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubTokenProvider struct {
	calls atomic.Int32
	delay time.Duration
	resp  *youtubehelper.TokenResponse
	err   error
}

func (s *stubTokenProvider) Refresh(ctx context.Context, refreshToken string) (*youtubehelper.TokenResponse, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestTokenRefreshPersistsNewToken(t *testing.T) {
	db := newTestDB(t)
	store := NewCredentialStore(db)
	user := seedUser(t, db, "u1", "old", "refresh", timePtr(time.Now().Add(-time.Minute)))
	provider := &stubTokenProvider{resp: &youtubehelper.TokenResponse{AccessToken: "new", ExpiresIn: 3600}}
	svc := NewTokenRefreshService(store, provider, logger.NewNop(), time.Second, 10*time.Minute)

	updated, err := svc.Refresh(context.Background(), user)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if updated.AccessToken != "new" || updated.RefreshToken != "refresh" {
		t.Fatalf("unexpected credential %+v", updated)
	}
	if updated.IsTokenExpired(time.Now()) {
		t.Fatal("refreshed token should not be expired")
	}

	stored, err := store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.AccessToken != "new" || stored.AccessTokenExpiry == nil || !stored.AccessTokenExpiry.Equal(*updated.AccessTokenExpiry) {
		t.Fatalf("token not persisted: %+v", stored)
	}
	if stored.RefreshToken != "refresh" {
		t.Fatalf("refresh token should be kept, got %q", stored.RefreshToken)
	}
}

func TestTokenRefreshRequiresRefreshToken(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "u1", "old", "", timePtr(time.Now().Add(-time.Minute)))
	provider := &stubTokenProvider{}
	svc := NewTokenRefreshService(NewCredentialStore(db), provider, logger.NewNop(), time.Second, 0)

	if _, err := svc.Refresh(context.Background(), user); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if provider.calls.Load() != 0 {
		t.Fatal("provider should not be called")
	}
}

func TestTokenRefreshProviderFailure(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "u1", "old", "refresh", timePtr(time.Now().Add(-time.Minute)))
	provider := &stubTokenProvider{err: errors.New("invalid_grant: Token has been expired or revoked.")}
	svc := NewTokenRefreshService(NewCredentialStore(db), provider, logger.NewNop(), time.Second, 0)

	_, err := svc.Refresh(context.Background(), user)
	var refreshErr *RefreshFailedError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("expected RefreshFailedError, got %v", err)
	}
	if refreshErr.Error() != "failed to refresh access token: invalid_grant: Token has been expired or revoked." {
		t.Fatalf("unexpected message %q", refreshErr.Error())
	}

	stored, _ := NewCredentialStore(db).Get(context.Background(), "u1")
	if stored.AccessToken != "old" {
		t.Fatalf("failed refresh changed token to %q", stored.AccessToken)
	}
}

func TestTokenRefreshTimeout(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "u1", "old", "refresh", timePtr(time.Now().Add(-time.Minute)))
	provider := &stubTokenProvider{delay: time.Second, resp: &youtubehelper.TokenResponse{AccessToken: "late", ExpiresIn: 3600}}
	svc := NewTokenRefreshService(NewCredentialStore(db), provider, logger.NewNop(), 50*time.Millisecond, 0)

	_, err := svc.Refresh(context.Background(), user)
	var refreshErr *RefreshFailedError
	if !errors.As(err, &refreshErr) || refreshErr.Detail != "token request timed out" {
		t.Fatalf("expected timeout RefreshFailedError, got %v", err)
	}
}

func TestTokenRefreshConcurrentCallsRefreshOnce(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db, "u1", "old", "refresh", timePtr(time.Now().Add(-time.Minute)))
	provider := &stubTokenProvider{delay: 50 * time.Millisecond, resp: &youtubehelper.TokenResponse{AccessToken: "new", ExpiresIn: 3600}}
	svc := NewTokenRefreshService(NewCredentialStore(db), provider, logger.NewNop(), time.Second, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred := *user
			updated, err := svc.Refresh(context.Background(), &cred)
			if err == nil && updated.AccessToken != "new" {
				err = errors.New("unexpected token " + updated.AccessToken)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected a single provider call, got %d", provider.calls.Load())
	}
}

func TestRefreshExpiring(t *testing.T) {
	db := newTestDB(t)
	seedUser(t, db, "soon", "a", "refresh", timePtr(time.Now().Add(5*time.Minute)))
	seedUser(t, db, "later", "b", "refresh", timePtr(time.Now().Add(2*time.Hour)))
	seedUser(t, db, "no-refresh", "c", "", timePtr(time.Now().Add(-time.Minute)))
	seedUser(t, db, "no-expiry", "d", "refresh", nil)

	provider := &stubTokenProvider{resp: &youtubehelper.TokenResponse{AccessToken: "new", ExpiresIn: 3600}}
	svc := NewTokenRefreshService(NewCredentialStore(db), provider, logger.NewNop(), time.Second, 10*time.Minute)

	if n := svc.RefreshExpiring(context.Background()); n != 1 {
		t.Fatalf("expected 1 refresh, got %d", n)
	}
	stored, _ := NewCredentialStore(db).Get(context.Background(), "soon")
	if stored.AccessToken != "new" {
		t.Fatalf("expiring token not refreshed: %q", stored.AccessToken)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls.Load())
	}
}

func TestCredentialStoreUpdateMissingUser(t *testing.T) {
	db := newTestDB(t)
	err := NewCredentialStore(db).UpdateTokens(context.Background(), "ghost", "a", "", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
