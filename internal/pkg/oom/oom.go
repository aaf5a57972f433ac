// Package oom 调整 Linux OOM killer 的偏好。
package oom

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// scorePath 可在测试中替换。
var scorePath = "/proc/self/oom_score_adj"

// ErrPermission 表示没有权限写入 oom_score_adj。
var ErrPermission = errors.New("need CAP_SYS_RESOURCE to set oom_score_adj")

// PreferKill 让当前进程成为内存不足时的首选牺牲者。
//
// 只读的 /proc（受限容器）会被静默忽略，权限不足返回 ErrPermission。
func PreferKill() error {
	return SetScore(1000)
}

// SetScore 写入指定的 oom_score_adj。
func SetScore(score int) error {
	err := os.WriteFile(scorePath, []byte(strconv.Itoa(score)+"\n"), 0o644)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return nil
	}
}
