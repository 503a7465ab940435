// Package platform は端末プラットフォームの実装を提供する。
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"device-credential-service/internal/domain"
)

// SetupOutcome はロック設定プロンプトの結果。
type SetupOutcome string

const (
	SetupComplete    SetupOutcome = "complete"
	SetupDismiss     SetupOutcome = "dismiss"
	SetupUnavailable SetupOutcome = "unavailable"
)

// ConfirmOutcome は認証情報確認プロンプトの結果。
type ConfirmOutcome string

const (
	ConfirmAccept      ConfirmOutcome = "accept"
	ConfirmDecline     ConfirmOutcome = "decline"
	ConfirmUnavailable ConfirmOutcome = "unavailable"
)

// ParseSetupOutcome は文字列をSetupOutcomeに変換する。
func ParseSetupOutcome(s string) (SetupOutcome, error) {
	switch o := SetupOutcome(s); o {
	case SetupComplete, SetupDismiss, SetupUnavailable:
		return o, nil
	}
	return "", fmt.Errorf("unknown setup outcome %q", s)
}

// ParseConfirmOutcome は文字列をConfirmOutcomeに変換する。
func ParseConfirmOutcome(s string) (ConfirmOutcome, error) {
	switch o := ConfirmOutcome(s); o {
	case ConfirmAccept, ConfirmDecline, ConfirmUnavailable:
		return o, nil
	}
	return "", fmt.Errorf("unknown confirm outcome %q", s)
}

// SimulatorState はシミュレータの現在の状態。
type SimulatorState struct {
	Secure              bool           `json:"secure"`
	EnrollmentID        string         `json:"enrollment_id"`
	LastAuthenticatedAt *time.Time     `json:"last_authenticated_at,omitempty"`
	Setup               SetupOutcome   `json:"setup"`
	Confirm             ConfirmOutcome `json:"confirm"`
	Available           bool           `json:"available"`
}

// Simulator はメモリ上で端末のロック状態や生体情報の登録を再現する。
type Simulator struct {
	mu         sync.Mutex
	secure     bool
	generation int
	lastAuth   time.Time
	setup      SetupOutcome
	confirm    ConfirmOutcome
	available  bool
	latency    time.Duration
	now        func() time.Time
}

// SimulatorOption はSimulatorの設定を変更する。
type SimulatorOption func(*Simulator)

// WithSimulatorClock は現在時刻の取得方法を差し替える。
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		s.now = now
	}
}

// NewSimulator は新しいSimulatorを生成する。プロンプトは既定で完了・承認される。
func NewSimulator(secure bool, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		secure:     secure,
		generation: 1,
		setup:      SetupComplete,
		confirm:    ConfirmAccept,
		available:  true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsDeviceSecure は端末にロックが設定されているかを返す。
func (s *Simulator) IsDeviceSecure(ctx context.Context) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secure, nil
}

// PromptDeviceSetup は設定済みの結果に従ってロック設定プロンプトを終了する。
func (s *Simulator) PromptDeviceSetup(ctx context.Context, req domain.EnrollmentRequest) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.DebugContext(ctx, "simulated device setup prompt",
		"message", req.Message,
		"action_label", req.ActionLabel,
		"outcome", s.setup,
	)
	switch s.setup {
	case SetupComplete:
		s.secure = true
		return true, nil
	case SetupDismiss:
		return false, nil
	default:
		return false, fmt.Errorf("no activity to show setup prompt: %w", domain.ErrPlatformUnavailable)
	}
}

// ConfirmCredentials は設定済みの結果に従って認証情報の確認を終了する。
// 承認された場合は認証時刻を更新する。
func (s *Simulator) ConfirmCredentials(ctx context.Context) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.confirm {
	case ConfirmAccept:
		if !s.secure {
			return false, nil
		}
		s.lastAuth = s.now()
		return true, nil
	case ConfirmDecline:
		return false, nil
	default:
		return false, fmt.Errorf("no activity to show confirmation: %w", domain.ErrPlatformUnavailable)
	}
}

// LastAuthenticatedAt は最後に認証が成功した時刻を返す。未認証ならゼロ値。
func (s *Simulator) LastAuthenticatedAt(ctx context.Context) (time.Time, error) {
	if err := s.wait(ctx); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth, nil
}

// BiometricEnrollmentID は現在の生体情報登録の識別子を返す。
func (s *Simulator) BiometricEnrollmentID(ctx context.Context) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollmentID(), nil
}

// SetSecure は端末のロック設定を切り替える。ロックを外すと認証状態も消える。
func (s *Simulator) SetSecure(secure bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secure = secure
	if !secure {
		s.lastAuth = time.Time{}
	}
}

// EnrollBiometric は生体情報の新規登録を再現し、新しい識別子を返す。
func (s *Simulator) EnrollBiometric() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.enrollmentID()
}

// SetPromptOutcomes はプロンプトの結果を設定する。空の値は変更しない。
func (s *Simulator) SetPromptOutcomes(setup SetupOutcome, confirm ConfirmOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if setup != "" {
		s.setup = setup
	}
	if confirm != "" {
		s.confirm = confirm
	}
}

// SetAvailable はプラットフォームサービスへの到達可否を切り替える。
func (s *Simulator) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
}

// SetLatency は各問い合わせに遅延を加える。
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// State は現在の状態を返す。
func (s *Simulator) State() SimulatorState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := SimulatorState{
		Secure:       s.secure,
		EnrollmentID: s.enrollmentID(),
		Setup:        s.setup,
		Confirm:      s.confirm,
		Available:    s.available,
	}
	if !s.lastAuth.IsZero() {
		lastAuth := s.lastAuth
		state.LastAuthenticatedAt = &lastAuth
	}
	return state
}

func (s *Simulator) enrollmentID() string {
	return fmt.Sprintf("enrollment-%d", s.generation)
}

// wait は遅延を再現し、到達不能な場合はエラーを返す。
func (s *Simulator) wait(ctx context.Context) error {
	s.mu.Lock()
	latency, available := s.latency, s.available
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("simulated platform: %w: %w", domain.ErrPlatformUnavailable, ctx.Err())
		}
	}
	if !available {
		return fmt.Errorf("simulated platform: %w", domain.ErrPlatformUnavailable)
	}
	return nil
}
