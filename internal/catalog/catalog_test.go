package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenPearsey/vaportal-sub001/internal/catalog"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
	"github.com/BenPearsey/vaportal-sub001/internal/testutil"
)

func TestImportAndActive(t *testing.T) {
	database := testutil.NewTestDB(t)
	tpl := testutil.SeedCatalog(t, database)

	require.Len(t, tpl.Stages, 2)
	assert.Equal(t, "application", tpl.Stages[0].Key)
	assert.Equal(t, 20, tpl.Stages[0].Weight)
	require.Len(t, tpl.Stages[1].Tasks, 5)
	assert.Equal(t, []string{"intake"}, tpl.Stages[1].Tasks[0].Dependencies)
	assert.Equal(t, domain.GroupMVTR, tpl.Stages[1].Tasks[2].RepeatGroup)
	assert.True(t, tpl.Stages[0].Tasks[1].RequiresReview)

	c := catalog.Catalog{DB: database, UoW: testutil.NewTestUoW(database)}
	got, err := c.Active(context.Background(), "Family TRUST Premium")
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, got.ID)

	_, err = c.Active(context.Background(), "Whole Life")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestActivePicksHighestVersion(t *testing.T) {
	database := testutil.NewTestDB(t)
	testutil.SeedCatalog(t, database)
	c := catalog.Catalog{DB: database, UoW: testutil.NewTestUoW(database)}

	f, err := catalog.Parse([]byte(`templates:
  - product: trust
    version: 2
    stages:
      - key: only
        weight: 1
        tasks:
          - key: sign
  - product: trust
    version: 3
    status: draft
    stages:
      - key: only
        tasks:
          - key: sign
`))
	require.NoError(t, err)
	res, err := c.Import(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, res.Created, 2)

	got, err := c.Active(context.Background(), "trust")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "drafts are never active")

	drafts, err := c.List(context.Background(), domain.TemplateDraft)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, 3, drafts[0].Version)

	full, err := c.Get(context.Background(), drafts[0].ID)
	require.NoError(t, err)
	require.Len(t, full.Stages, 1)
	assert.Equal(t, "sign", full.Stages[0].Tasks[0].Key)

	_, err = c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestImportSkipsExistingVersion(t *testing.T) {
	database := testutil.NewTestDB(t)
	testutil.SeedCatalog(t, database)
	c := catalog.Catalog{DB: database, UoW: testutil.NewTestUoW(database)}

	f, err := catalog.Parse([]byte(testutil.CatalogYAML))
	require.NoError(t, err)
	res, err := c.Import(context.Background(), f)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"trust v1"}, res.Skipped)

	all, err := c.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestParseRejectsInvalidCatalog(t *testing.T) {
	cases := map[string]string{
		"empty":       `templates: []`,
		"no version":  "templates:\n  - product: x\n    stages:\n      - key: a\n",
		"dup stage":   "templates:\n  - product: x\n    version: 1\n    stages:\n      - key: a\n      - key: a\n",
		"bad group":   "templates:\n  - product: x\n    version: 1\n    stages:\n      - key: a\n        tasks:\n          - key: t\n            repeat_group: deeds\n",
		"bad dep":     "templates:\n  - product: x\n    version: 1\n    stages:\n      - key: a\n        tasks:\n          - key: t\n            dependencies: [missing]\n",
		"bad visible": "templates:\n  - product: x\n    version: 1\n    stages:\n      - key: a\n        tasks:\n          - key: t\n            visibility: vendor\n",
	}
	for name, doc := range cases {
		_, err := catalog.Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}
