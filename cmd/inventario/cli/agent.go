package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/labinventario/inventario/pkg/inventario/agentkeys"
	"github.com/labinventario/inventario/pkg/inventario/auth"
	"github.com/labinventario/inventario/pkg/inventario/database"
	"github.com/labinventario/inventario/pkg/inventario/models"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agent",
		Aliases: []string{"agents"},
		Short:   "Manage lab agent API keys",
		Long:    "Issue, list, revoke and reactivate the API keys lab agents use to report inventory.",
	}

	cmd.AddCommand(newAgentGenerateKeyCmd())
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentSetActiveCmd("revoke", "Deactivate an agent key", false))
	cmd.AddCommand(newAgentSetActiveCmd("reactivate", "Reactivate a revoked agent key", true))

	return cmd
}

// withStore opens the configured database for the duration of fn
func withStore(fn func(db *gorm.DB, store *agentkeys.GormStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if _, _, err := auth.EnsureAdmin(db, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	return fn(db, agentkeys.NewGormStore(db))
}

// ---------- agent generate-key ----------

func newAgentGenerateKeyCmd() *cobra.Command {
	var (
		name      string
		labID     uint
		version   string
		createdBy string
	)

	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Issue a new agent API key",
		Long:  "Generate a new agent API key. The key is shown once and cannot be retrieved again.",
		Example: `  inventario agent generate-key --name "Lab 3 agent" --lab 3
  inventario agent generate-key --name "Spare" --version 2.0 --created-by ops@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(db *gorm.DB, store *agentkeys.GormStore) error {
				creator, err := resolveCreator(db, createdBy)
				if err != nil {
					return err
				}

				params := agentkeys.IssueParams{Name: name, CreatedByID: creator.ID}
				if cmd.Flags().Changed("lab") {
					params.LaboratoryID = &labID
				}
				if version != "" {
					params.Version = &version
				}

				key, secret, err := store.Issue(cmd.Context(), params)
				if err != nil {
					return fmt.Errorf("issue agent key: %w", err)
				}
				printIssuedKey(cmd.OutOrStdout(), key, secret)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Label for the key (required)")
	cmd.Flags().UintVar(&labID, "lab", 0, "Laboratory the agent belongs to")
	cmd.Flags().StringVar(&version, "version", "", "Agent version recorded on synced equipment")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "Email of the issuing user (default: first admin)")
	cmd.MarkFlagRequired("name")

	return cmd
}

// resolveCreator returns the user with the given email, or the first admin
func resolveCreator(db *gorm.DB, email string) (*models.User, error) {
	var user models.User
	query := db.Where("system_role = ?", models.SystemRoleAdmin).Order("id")
	if email != "" {
		query = db.Where("email = ?", email)
	}
	err := query.First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if email != "" {
			return nil, fmt.Errorf("user %q not found", email)
		}
		return nil, errors.New("no admin user exists")
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

func printIssuedKey(w io.Writer, key *models.AgentAPIKey, secret string) {
	fmt.Fprintln(w, "Agent API key created:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  ID:   %d\n", key.ID)
	fmt.Fprintf(w, "  Name: %s\n", key.Name)
	if key.LaboratoryID != nil {
		fmt.Fprintf(w, "  Lab:  %d\n", *key.LaboratoryID)
	}
	fmt.Fprintf(w, "  Key:  %s\n", secret)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Save this key now - it cannot be retrieved again.")
}

// ---------- agent list ----------

func newAgentListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all agent keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(_ *gorm.DB, store *agentkeys.GormStore) error {
				keys, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				return printKeys(cmd.OutOrStdout(), keys, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

type keyRow struct {
	ID       uint   `json:"id"`
	Prefix   string `json:"prefix"`
	Name     string `json:"name"`
	Lab      string `json:"laboratorio"`
	Active   bool   `json:"active"`
	LastUsed string `json:"last_used"`
	Hostname string `json:"last_used_hostname"`
}

func printKeys(w io.Writer, keys []models.AgentAPIKey, jsonOutput bool) error {
	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		row := keyRow{ID: k.ID, Prefix: k.KeyPrefix, Name: k.Name, Active: k.Active, LastUsed: "never"}
		if k.Laboratory != nil {
			row.Lab = k.Laboratory.Name
		}
		if k.LastUsedAt != nil {
			row.LastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
		}
		if k.LastUsedHostname != nil {
			row.Hostname = *k.LastUsedHostname
		}
		rows[i] = row
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No agent keys issued. Use 'inventario agent generate-key' to create one.")
		return nil
	}

	fmt.Fprintf(w, "%-6s %-14s %-24s %-16s %-7s %-17s %s\n", "ID", "PREFIX", "NAME", "LAB", "ACTIVE", "LAST USED", "HOSTNAME")
	for _, r := range rows {
		active := "yes"
		if !r.Active {
			active = "no"
		}
		fmt.Fprintf(w, "%-6d %-14s %-24s %-16s %-7s %-17s %s\n", r.ID, r.Prefix, r.Name, r.Lab, active, r.LastUsed, r.Hostname)
	}
	return nil
}

// ---------- agent revoke / reactivate ----------

func newAgentSetActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			return withStore(func(_ *gorm.DB, store *agentkeys.GormStore) error {
				key, err := store.SetActive(cmd.Context(), uint(id), active)
				if errors.Is(err, agentkeys.ErrKeyNotFound) {
					return fmt.Errorf("no agent key with id %d", id)
				}
				if err != nil {
					return err
				}
				state := "Revoked"
				if active {
					state = "Reactivated"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s agent key %d (%s)\n", state, key.ID, key.KeyPrefix)
				return nil
			})
		},
	}
}
