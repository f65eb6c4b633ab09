package services

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// StableConversationID 由 (平台, 账号所属用户, 对端 id) 派生会话 id。
// 结果为 md5 前 16 位十六进制，与消息内容和时间无关。
func StableConversationID(platform string, ownerUserID uint, participantID string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%d_%s", platform, ownerUserID, participantID)))
	return hex.EncodeToString(sum[:])[:16]
}
