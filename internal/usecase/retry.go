package usecase

import (
	"context"
	"log/slog"

	"device-credential-service/internal/domain"
)

// Authenticator は端末の認証情報の確認を求めるインターフェース。
type Authenticator interface {
	Authenticate(ctx context.Context) (bool, error)
}

// RetryAfterAuthentication は fn が ErrAuthenticationRequired で失敗した場合に
// 一度だけ認証情報の確認を求め、確認できたら fn を再実行する。
// 確認が拒否された場合は最初のエラーをそのまま返す。
func RetryAfterAuthentication[T any](ctx context.Context, auth Authenticator, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if !domain.IsRetryable(err) {
		return v, err
	}

	confirmed, authErr := auth.Authenticate(ctx)
	if authErr != nil {
		var zero T
		return zero, authErr
	}
	if !confirmed {
		var zero T
		return zero, err
	}

	slog.DebugContext(ctx, "retrying after authentication", "operation", "retry_after_authentication")
	return fn(ctx)
}
