package repo

import (
	"errors"

	"github.com/BenPearsey/vaportal-sub001/internal/db"
)

// Repo holds the hand-written SQL for the checklist store. DB is either the
// pool or a transaction handed out by db.UnitOfWork.
type Repo struct {
	DB db.DBTX
}

var ErrNotFound = errors.New("not found")

// sqlite stores booleans as integers.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
