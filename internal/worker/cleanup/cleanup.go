// Package cleanup はチェックアウトとクーポンの定期メンテナンスジョブを提供する。
// 放置されたチェックアウトの期限切れ処理、期限切れクーポンの無効化、
// 保持期間を過ぎた失敗・期限切れチェックアウトの削除を行う。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CheckoutExpirer は放置されたチェックアウトを期限切れにする。
type CheckoutExpirer interface {
	ExpireAbandoned(ctx context.Context) (int, error)
}

// CouponDeactivator は期限切れクーポンを無効化する。
type CouponDeactivator interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// Recorder はジョブの処理件数の記録先。
type Recorder interface {
	RecordCleanup(expiredCheckouts int, deactivatedCoupons int64)
}

// CleanupJob は決済まわりの定期メンテナンスジョブ。
// 各処理は冪等で、途中で失敗しても次回の実行で回復する。
type CleanupJob struct {
	db            Executor
	checkouts     CheckoutExpirer
	coupons       CouponDeactivator
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 失敗・期限切れチェックアウトの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は90日。recorderはnilでもよい。
func NewCleanupJob(db Executor, checkouts CheckoutExpirer, coupons CouponDeactivator, recorder Recorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		checkouts:     checkouts,
		coupons:       coupons,
		recorder:      recorder,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 90,
	}
}

// Run はメンテナンス処理を1回実行する。
// 1つの処理が失敗しても残りは実行し、発生したエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var errs []error

	expired, err := j.checkouts.ExpireAbandoned(ctx)
	if err != nil {
		j.logger.Error("放置チェックアウトの期限切れ処理に失敗しました",
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("チェックアウトの期限切れ処理に失敗: %w", err))
	}

	deactivated, err := j.coupons.DeactivateExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("期限切れクーポンの無効化に失敗しました",
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("クーポンの無効化に失敗: %w", err))
	}

	purged, err := j.purgeClosedCheckouts(ctx)
	if err != nil {
		j.logger.Error("チェックアウト履歴の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		errs = append(errs, err)
	}

	if j.recorder != nil {
		j.recorder.RecordCleanup(expired, deactivated)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int("expired_checkouts", expired),
		slog.Int64("deactivated_coupons", deactivated),
		slog.Int64("purged_checkouts", purged),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return errors.Join(errs...)
}

// purgeClosedCheckouts は保持期間を超過した失敗・期限切れのチェックアウトを削除する。
// 確定済みのチェックアウトは注文の監査用に残す。
func (j *CleanupJob) purgeClosedCheckouts(ctx context.Context) (int64, error) {
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM checkout_sessions
		WHERE status IN ('failed', 'expired') AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		return 0, fmt.Errorf("チェックアウト履歴の削除に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
