// Package migrations embeds the execution ledger schema.
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，按文件名前缀的版本号顺序执行。
// 带 .mysql / .sqlite 后缀的文件只对对应数据库生效。
//
//go:embed *.sql
var Files embed.FS
