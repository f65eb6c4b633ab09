package models

import (
	"fmt"

	"gorm.io/gorm"
)

// 标签无法表达的索引；语句需同时兼容 postgres 与 sqlite
var extraIndexes = []string{
	// 未归属工作区的旧参与者记录按会话唯一
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_participant_conv_legacy ON conversation_participants(conversation_id) WHERE workspace_id IS NULL",
	// 到期报名扫描
	"CREATE INDEX IF NOT EXISTS idx_enrollments_due ON funnel_enrollments(status, next_step_at)",
	"CREATE INDEX IF NOT EXISTS idx_funnels_workspace_active ON funnels(workspace_id, is_active, priority)",
	"CREATE INDEX IF NOT EXISTS idx_automation_runs_conv ON automation_runs(conversation_id, id)",
}

// Migrate 自动迁移全部模型并创建附加索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range extraIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
