// Package cleanup は期限切れのセッションとstateトークンを定期的に削除するジョブを提供する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションを削除する。*repository.PostgresSessionRepoが満たす。
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// StatePurger は期限切れのstateトークンを削除する。statetoken.Storeの実装が満たす。
type StatePurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// CleanupJob は期限切れデータの削除ジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionPurger
	states   StatePurger
	logger   *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
// statesがnilの場合はセッションのみを削除する。
func NewCleanupJob(sessions SessionPurger, states StatePurger, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions: sessions,
		states:   states,
		logger:   logger,
	}
}

// Run は期限切れのセッションとstateトークンを削除する。
// 一方が失敗しても他方は実行し、両方のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var errs []error

	var sessionCount int64
	if j.sessions != nil {
		n, err := j.sessions.DeleteExpired(ctx)
		if err != nil {
			j.logger.Error("期限切れセッションの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("セッションの削除に失敗: %w", err))
		}
		sessionCount = n
	}

	var stateCount int
	if j.states != nil {
		n, err := j.states.PurgeExpired(ctx)
		if err != nil {
			j.logger.Error("期限切れstateトークンの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("stateトークンの削除に失敗: %w", err))
		}
		stateCount = n
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessionCount),
		slog.Int("purged_states", stateCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、以降intervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
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
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
