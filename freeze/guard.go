package freeze

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrLegacyWriteFrozen rejects a direct write to a frozen projection table.
var ErrLegacyWriteFrozen = errors.New("legacy projection is frozen: write through the ledger")

// Tags that may lift the freeze for one write.
const (
	TagProjectionRebuild = "projection-rebuild"
	TagLegacyMigration   = "legacy-migration"
	TagMaintenance       = "maintenance"
)

var allowedTags = map[string]bool{
	TagProjectionRebuild: true,
	TagLegacyMigration:   true,
	TagMaintenance:       true,
}

type permitKey struct{}

// Permit authorizes writes to frozen tables for the contexts it derives.
type Permit struct {
	tag string
}

// NewPermit returns a permit for an allow-listed tag.
func NewPermit(tag string) (Permit, error) {
	if !allowedTags[tag] {
		return Permit{}, fmt.Errorf("%w: tag %q is not allowed", ErrLegacyWriteFrozen, tag)
	}
	return Permit{tag: tag}, nil
}

// Tag returns the permit's tag
func (p Permit) Tag() string {
	return p.tag
}

// Context derives a context whose writes the guard lets through.
func (p Permit) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, permitKey{}, p)
}

// WithTag is NewPermit followed by Context.
func WithTag(ctx context.Context, tag string) (context.Context, error) {
	p, err := NewPermit(tag)
	if err != nil {
		return ctx, err
	}
	return p.Context(ctx), nil
}

// PermitFrom returns the permit carried by ctx, if any.
func PermitFrom(ctx context.Context) (Permit, bool) {
	if ctx == nil {
		return Permit{}, false
	}
	p, ok := ctx.Value(permitKey{}).(Permit)
	if !ok || !allowedTags[p.tag] {
		return Permit{}, false
	}
	return p, true
}

// Guard rejects create, update and delete statements against frozen tables
// unless the statement's context carries a Permit.
type Guard struct {
	tables   map[string]bool
	rawWrite *regexp.Regexp
	rejected atomic.Int64
	allowed  atomic.Int64
}

// Register installs the guard's callbacks on db.
func Register(db *gorm.DB, tables ...string) (*Guard, error) {
	if len(tables) == 0 {
		return nil, errors.New("freeze: no tables to guard")
	}
	g := &Guard{tables: map[string]bool{}}
	quoted := make([]string, 0, len(tables))
	for _, t := range tables {
		g.tables[strings.ToLower(t)] = true
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(t)))
	}
	g.rawWrite = regexp.MustCompile(`(?i)\b(insert\s+into|update|delete\s+from)\s+(?:"?[a-z0-9_]+"?\.)?"?(` +
		strings.Join(quoted, "|") + `)(?:"|\b)`)

	if err := db.Callback().Create().Before("gorm:create").Register("freeze:create", g.check("create")); err != nil {
		return nil, err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("freeze:update", g.check("update")); err != nil {
		return nil, err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("freeze:delete", g.check("delete")); err != nil {
		return nil, err
	}
	if err := db.Callback().Raw().Before("gorm:raw").Register("freeze:raw", g.checkRaw); err != nil {
		return nil, err
	}
	return g, nil
}

// Rejected is the number of writes refused so far
func (g *Guard) Rejected() int64 {
	return g.rejected.Load()
}

// Allowed is the number of writes let through by a permit
func (g *Guard) Allowed() int64 {
	return g.allowed.Load()
}

func (g *Guard) check(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Error != nil || db.Statement == nil {
			return
		}
		table := strings.ToLower(db.Statement.Table)
		if !g.tables[table] {
			return
		}
		g.decide(db, op, table)
	}
}

func (g *Guard) checkRaw(db *gorm.DB) {
	if db.Error != nil || db.Statement == nil {
		return
	}
	m := g.rawWrite.FindStringSubmatch(db.Statement.SQL.String())
	if m == nil {
		return
	}
	g.decide(db, "raw", strings.ToLower(m[2]))
}

func (g *Guard) decide(db *gorm.DB, op, table string) {
	if p, ok := PermitFrom(db.Statement.Context); ok {
		g.allowed.Add(1)
		log.Debug().Str("table", table).Str("op", op).Str("tag", p.tag).Msg("Frozen table write permitted")
		return
	}
	g.rejected.Add(1)
	log.Warn().Str("table", table).Str("op", op).Msg("Rejected direct write to frozen table")
	_ = db.AddError(fmt.Errorf("%w (%s on %s)", ErrLegacyWriteFrozen, op, table))
}
