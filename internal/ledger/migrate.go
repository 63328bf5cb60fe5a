package ledger

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"FlowSend-Chain/deploy/migrations"
	"FlowSend-Chain/pkg/logger"
)

// dialect 描述执行台账在不同数据库上的迁移差异。
type dialect struct {
	name string
	// transactionalDDL 为 false 时 DDL 会隐式提交（MySQL），迁移语句逐条执行，
	// 全部成功后才登记版本，失败的版本会在下次启动时整体重跑，因此语句需可重入。
	transactionalDDL bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverMySQL:
		return dialect{name: DriverMySQL}, nil
	case DriverSQLite:
		return dialect{name: DriverSQLite, transactionalDDL: true}, nil
	default:
		return dialect{}, fmt.Errorf("不支持的数据库驱动: %s", driver)
	}
}

// accepts 判断迁移文件是否适用于该方言。
// 0001_x.sql 对所有方言生效，0002_x.mysql.sql 只对 MySQL 生效。
func (d dialect) accepts(target string) bool {
	return target == "" || target == d.name
}

type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// migrator 按版本顺序执行嵌入的 SQL，并在 ledger_migrations 中登记版本、方言与校验和。
// 已执行的文件若被修改，启动时报错，台账结构不能被静默改写。
type migrator struct {
	db      *sql.DB
	dialect dialect
	source  fs.FS
	now     func() time.Time
}

func newMigrator(db *sql.DB, driver string) (*migrator, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &migrator{db: db, dialect: d, source: migrations.Files, now: time.Now}, nil
}

func (m *migrator) run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS ledger_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        dialect VARCHAR(16) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建 ledger_migrations 表失败: %w", err)
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	files, err := loadMigrations(m.source, m.dialect)
	if err != nil {
		return err
	}
	log := logger.Named("ledger")
	for _, mig := range files {
		if checksum, ok := applied[mig.version]; ok {
			if checksum != mig.checksum {
				return fmt.Errorf("迁移 %s 已执行但内容被修改", mig.name)
			}
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		log.Info("台账迁移已执行", "version", mig.version, "name", mig.name, "dialect", m.dialect.name)
	}
	return nil
}

// applied 返回已执行版本到校验和的映射。
func (m *migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM ledger_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 ledger_migrations 失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 ledger_migrations 失败: %w", err)
		}
		out[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 ledger_migrations 失败: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *migrator) apply(ctx context.Context, mig migration) error {
	record := func(exec execer) error {
		_, err := exec.ExecContext(ctx,
			`INSERT INTO ledger_migrations (version, name, dialect, checksum, applied_at) VALUES (?, ?, ?, ?, ?)`,
			mig.version, mig.name, m.dialect.name, mig.checksum, m.now().Unix())
		if err != nil {
			return fmt.Errorf("记录迁移版本 %s 失败: %w", mig.version, err)
		}
		return nil
	}

	if !m.dialect.transactionalDDL {
		for _, stmt := range mig.statements {
			if _, err := m.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("执行迁移 %s 失败: %w", mig.name, err)
			}
		}
		return record(m.db)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", mig.name, err)
		}
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// loadMigrations 读取适用于方言的迁移文件，按版本排序。同一版本只能有一个适用文件。
func loadMigrations(fsys fs.FS, d dialect) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	byVersion := make(map[string]migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, target := parseMigrationName(name)
		if !d.accepts(target) {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		if prev, ok := byVersion[version]; ok {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev.name, name)
		}
		sum := sha256.Sum256(content)
		byVersion[version] = migration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		out = append(out, mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// parseMigrationName 从 "0002_charset.mysql.sql" 中解析出版本 "0002" 与方言 "mysql"。
func parseMigrationName(name string) (version, target string) {
	base := strings.TrimSuffix(name, ".sql")
	for _, driver := range []string{DriverMySQL, DriverSQLite} {
		if strings.HasSuffix(base, "."+driver) {
			base = strings.TrimSuffix(base, "."+driver)
			target = driver
			break
		}
	}
	version = base
	if idx := strings.IndexRune(base, '_'); idx > 0 {
		version = base[:idx]
	}
	return version, target
}

// splitStatements 去掉整行 "--" 注释后按分号切分。
func splitStatements(content string) []string {
	var body strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
