package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"device-credential-service/internal/domain"
	"device-credential-service/internal/infra"
	"device-credential-service/internal/repository"
	"device-credential-service/internal/usecase"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSimulator_DeviceSetup(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(false)

	secure, err := sim.IsDeviceSecure(ctx)
	if err != nil || secure {
		t.Fatalf("expected insecure device, got secure=%v err=%v", secure, err)
	}

	sim.SetPromptOutcomes(SetupDismiss, "")
	completed, err := sim.PromptDeviceSetup(ctx, domain.EnrollmentRequest{Message: "Set a lock", ActionLabel: "OK"})
	if err != nil || completed {
		t.Fatalf("expected dismissed prompt, got completed=%v err=%v", completed, err)
	}

	sim.SetPromptOutcomes(SetupComplete, "")
	completed, err = sim.PromptDeviceSetup(ctx, domain.EnrollmentRequest{})
	if err != nil || !completed {
		t.Fatalf("expected completed prompt, got completed=%v err=%v", completed, err)
	}
	if secure, _ := sim.IsDeviceSecure(ctx); !secure {
		t.Error("expected device to be secure after setup")
	}

	sim.SetPromptOutcomes(SetupUnavailable, "")
	if _, err := sim.PromptDeviceSetup(ctx, domain.EnrollmentRequest{}); !errors.Is(err, domain.ErrPlatformUnavailable) {
		t.Errorf("expected ErrPlatformUnavailable, got %v", err)
	}
}

func TestSimulator_ConfirmCredentials(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sim := NewSimulator(true, WithSimulatorClock(clock.Now))

	if last, _ := sim.LastAuthenticatedAt(ctx); !last.IsZero() {
		t.Fatalf("expected zero time, got %v", last)
	}

	confirmed, err := sim.ConfirmCredentials(ctx)
	if err != nil || !confirmed {
		t.Fatalf("expected confirmation, got %v err=%v", confirmed, err)
	}
	if last, _ := sim.LastAuthenticatedAt(ctx); !last.Equal(clock.now) {
		t.Errorf("expected %v, got %v", clock.now, last)
	}

	sim.SetPromptOutcomes("", ConfirmDecline)
	if confirmed, _ := sim.ConfirmCredentials(ctx); confirmed {
		t.Error("expected declined confirmation")
	}

	// ロックを外すと認証状態も消える
	sim.SetSecure(false)
	if last, _ := sim.LastAuthenticatedAt(ctx); !last.IsZero() {
		t.Errorf("expected auth cleared, got %v", last)
	}
	sim.SetPromptOutcomes("", ConfirmAccept)
	if confirmed, _ := sim.ConfirmCredentials(ctx); confirmed {
		t.Error("expected no confirmation without device lock")
	}
}

func TestSimulator_EnrollBiometric(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(true)

	before, _ := sim.BiometricEnrollmentID(ctx)
	after := sim.EnrollBiometric()
	if before == after {
		t.Errorf("expected new enrollment id, got %s twice", after)
	}
	if got, _ := sim.BiometricEnrollmentID(ctx); got != after {
		t.Errorf("expected %s, got %s", after, got)
	}
	if sim.State().EnrollmentID != after {
		t.Errorf("state does not reflect enrollment")
	}
}

func TestSimulator_Unavailable(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(true)
	sim.SetAvailable(false)

	if _, err := sim.IsDeviceSecure(ctx); !errors.Is(err, domain.ErrPlatformUnavailable) {
		t.Errorf("expected ErrPlatformUnavailable, got %v", err)
	}
	if _, err := sim.BiometricEnrollmentID(ctx); !errors.Is(err, domain.ErrPlatformUnavailable) {
		t.Errorf("expected ErrPlatformUnavailable, got %v", err)
	}
}

func TestSimulator_LatencyHonorsContext(t *testing.T) {
	sim := NewSimulator(true)
	sim.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sim.IsDeviceSecure(ctx); !errors.Is(err, domain.ErrPlatformUnavailable) {
		t.Errorf("expected ErrPlatformUnavailable, got %v", err)
	}
}

func TestParseOutcomes(t *testing.T) {
	if _, err := ParseSetupOutcome("complete"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseSetupOutcome("accept"); err == nil {
		t.Error("expected error for confirm outcome used as setup")
	}
	if _, err := ParseConfirmOutcome("decline"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseConfirmOutcome(""); err == nil {
		t.Error("expected error for empty outcome")
	}
}

// newStack はシミュレータ、SQLite、キーリングを組み合わせたサービスを生成する。
func newStack(t *testing.T) (*usecase.CredentialService, *Simulator, *fakeClock) {
	t.Helper()
	keyring.MockInit()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sim := NewSimulator(true, WithSimulatorClock(clock.Now))
	svc := usecase.NewCredentialService(
		sim,
		repository.NewKeystoreRepository(db),
		repository.NewPinRepository(db),
		infra.NewKeyringWrapper("simulator-test"),
		usecase.WithClock(clock.Now),
		usecase.WithPlatformTimeout(time.Second),
	)
	return svc, sim, clock
}

func TestCredentialService_WithSimulator_ReauthWindow(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newStack(t)

	spec := domain.KeystoreKeySpec{KeyName: "pin_v1", ReauthTimeoutSecs: 30}
	if ok, err := svc.KeystoreInit(ctx, spec); err != nil || !ok {
		t.Fatalf("KeystoreInit: ok=%v err=%v", ok, err)
	}

	// 未認証では保存できない
	if _, err := svc.StorePin(ctx, "pin_v1", "1234"); !errors.Is(err, domain.ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}

	if ok, err := svc.Authenticate(ctx); err != nil || !ok {
		t.Fatalf("Authenticate: ok=%v err=%v", ok, err)
	}
	if ok, err := svc.StorePin(ctx, "pin_v1", "1234"); err != nil || !ok {
		t.Fatalf("StorePin: ok=%v err=%v", ok, err)
	}

	clock.Advance(10 * time.Second)
	pin, err := svc.RetrievePin(ctx, "pin_v1")
	if err != nil {
		t.Fatalf("RetrievePin failed: %v", err)
	}
	if pin != "1234" {
		t.Errorf("expected 1234, got %s", pin)
	}

	clock.Advance(25 * time.Second)
	if _, err := svc.RetrievePin(ctx, "pin_v1"); !errors.Is(err, domain.ErrAuthenticationRequired) {
		t.Errorf("expected ErrAuthenticationRequired, got %v", err)
	}

	pin, err = usecase.RetryAfterAuthentication(ctx, svc, func(ctx context.Context) (string, error) {
		return svc.RetrievePin(ctx, "pin_v1")
	})
	if err != nil || pin != "1234" {
		t.Errorf("expected 1234 after reauth, got %q err=%v", pin, err)
	}
}

func TestCredentialService_WithSimulator_BiometricInvalidation(t *testing.T) {
	ctx := context.Background()
	svc, sim, _ := newStack(t)

	spec := domain.KeystoreKeySpec{KeyName: "pin_v2", ReauthTimeoutSecs: 30, InvalidateOnNewBiometricEnrollment: true}
	if _, err := svc.KeystoreInit(ctx, spec); err != nil {
		t.Fatalf("KeystoreInit failed: %v", err)
	}
	if _, err := svc.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := svc.StorePin(ctx, "pin_v2", "5678"); err != nil {
		t.Fatalf("StorePin failed: %v", err)
	}

	sim.EnrollBiometric()

	if _, err := svc.RetrievePin(ctx, "pin_v2"); !errors.Is(err, domain.ErrKeyInvalidated) {
		t.Fatalf("expected ErrKeyInvalidated, got %v", err)
	}
	if _, err := svc.StorePin(ctx, "pin_v2", "5678"); !errors.Is(err, domain.ErrKeyInvalidated) {
		t.Errorf("expected invalidation to be terminal, got %v", err)
	}

	// 再初期化すると新しい鍵で使えるがPINは失われている
	if _, err := svc.KeystoreInit(ctx, spec); err != nil {
		t.Fatalf("KeystoreInit failed: %v", err)
	}
	if _, err := svc.RetrievePin(ctx, "pin_v2"); !errors.Is(err, domain.ErrPinNotFound) {
		t.Errorf("expected ErrPinNotFound, got %v", err)
	}
}
