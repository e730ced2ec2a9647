package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/BenPearsey/vaportal-sub001/internal/catalog"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
)

// Fixture identities seeded by SeedSale.
const (
	AdminID  = "admin-1"
	AgentID  = "agent-1"
	ClientID = "client-1"
	SaleID   = "sale-1"
	Product  = "Family Trust Premium"
)

// CatalogYAML is a two-stage template for products containing "trust".
// Stage application weighs 20, stage funding 80. The mvtr and quitclaim
// tasks are bundled and only appear through repeat groups.
const CatalogYAML = `templates:
  - product: trust
    version: 1
    title: Trust onboarding
    status: active
    stages:
      - key: application
        label: Application
        weight: 20
        tasks:
          - key: intake
            label: Intake call
            visibility: all
            action_type: info
          - key: id_upload
            label: Client ID
            visibility: client
            action_type: file-upload
            requires_review: true
            evidence_required: true
            default_due_days: 7
          - key: agent_notes
            label: Agent notes
            visibility: agent
            action_type: internal
      - key: funding
        label: Funding
        weight: 80
        tasks:
          - key: deed_review
            label: Deed review
            visibility: admin
            action_type: review
            requires_review: true
            dependencies: [intake]
          - key: funding_docs
            label: Funding documents
            visibility: all
            action_type: file-upload
          - key: mvtr_title
            label: Vehicle title
            visibility: client
            action_type: file-upload
            requires_review: true
            is_repeatable: true
            repeat_group: mvtr
          - key: mvtr_registration
            label: Vehicle registration
            visibility: agent
            action_type: info
            is_repeatable: true
            repeat_group: mvtr
          - key: quitclaim_deed
            label: Quitclaim deed
            visibility: admin
            action_type: send-to-vendor
            is_repeatable: true
            repeat_group: quitclaim
`

// SeedCatalog imports CatalogYAML.
func SeedCatalog(t *testing.T, database *sql.DB) domain.Template {
	t.Helper()
	f, err := catalog.Parse([]byte(CatalogYAML))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	c := catalog.Catalog{DB: database, UoW: NewTestUoW(database)}
	res, err := c.Import(context.Background(), f)
	if err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	tpl, err := c.Get(context.Background(), res.Created[0].ID)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	return tpl
}

// SeedSale mirrors the fixture users and one eligible sale.
func SeedSale(t *testing.T, database *sql.DB) domain.Sale {
	t.Helper()
	ctx := context.Background()
	r := repo.Repo{DB: database}
	for _, u := range []domain.User{
		{ID: AdminID, Kind: domain.RoleAdmin, Name: "Ada Admin", Email: "admin@example.com"},
		{ID: AgentID, Kind: domain.RoleAgent, Name: "Gus Agent", Email: "agent@example.com"},
		{ID: ClientID, Kind: domain.RoleClient, Name: "Cleo Client", Email: "client@example.com"},
	} {
		if err := r.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	sale := domain.Sale{
		ID: SaleID, Product: Product, Status: "Open", AgentID: AgentID, ClientID: ClientID,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.UpsertSale(ctx, sale); err != nil {
		t.Fatalf("seed sale: %v", err)
	}
	return sale
}
