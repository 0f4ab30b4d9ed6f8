package cache

import "fmt"

// 键语义：
// - rosterKey(section):        在线协作者（ZSet<userId, expireAtUnixMilli>，score=expireAt）
// - namesKey(section):         userId→username 映射（Hash）
// - cursorKey(section,userID): 协作者最近的光标 JSON（String，带 TTL）
//
// {section:%s} 作为 hash tag，同一编辑区域的键落在同一个 slot，Lua 脚本可以同时操作

const (
	keyRosterFmt = "collab:roster:{section:%s}"
	keyNamesFmt  = "collab:names:{section:%s}"
	keyCursorFmt = "collab:cursor:{section:%s}:%d"
)

func rosterKey(sectionID string) string { return fmt.Sprintf(keyRosterFmt, sectionID) }
func namesKey(sectionID string) string  { return fmt.Sprintf(keyNamesFmt, sectionID) }
func cursorKey(sectionID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, sectionID, userID)
}
