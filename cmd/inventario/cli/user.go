package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/labinventario/inventario/pkg/inventario/auth"
	"github.com/labinventario/inventario/pkg/inventario/database"
	"github.com/labinventario/inventario/pkg/inventario/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// MinPasswordLength applies to passwords set from the CLI
const MinPasswordLength = 8

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "user",
		Aliases: []string{"users"},
		Short:   "Manage operator accounts",
		Long:    "Create operators, reset their passwords and list who can sign in to the dashboard.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserSetPasswordCmd())
	cmd.AddCommand(newUserListCmd())

	return cmd
}

// withDB opens the configured database for the duration of fn
func withDB(fn func(db *gorm.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close(db)
	return fn(db)
}

// readPassword prompts twice on the terminal unless a password was passed as a flag
func readPassword(w io.Writer, flagValue string) (string, error) {
	password := flagValue
	if password == "" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("stdin is not a terminal, pass --password")
		}

		fmt.Fprint(w, "Password: ")
		pwBytes, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(w)

		fmt.Fprint(w, "Confirm password: ")
		confirmBytes, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Fprintln(w)

		if string(pwBytes) != string(confirmBytes) {
			return "", errors.New("passwords do not match")
		}
		password = string(pwBytes)
	}

	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return password, nil
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		email    string
		name     string
		role     string
		password string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an operator account",
		Example: `  inventario user create --email tech@example.com --name "Lab Tech"
  inventario user create --email ops@example.com --role admin --password s3cret-pass`,
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(strings.ToLower(email))
			if !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email address: %q", email)
			}
			systemRole := models.SystemRole(role)
			if systemRole != models.SystemRoleAdmin && systemRole != models.SystemRoleUser {
				return fmt.Errorf("invalid role %q (want admin or user)", role)
			}
			if name == "" {
				name = email
			}

			pw, err := readPassword(cmd.OutOrStdout(), password)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			return withDB(func(db *gorm.DB) error {
				var count int64
				if err := db.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
					return err
				}
				if count > 0 {
					return fmt.Errorf("user %q already exists", email)
				}

				user := models.User{Email: email, Name: name, PasswordHash: hash, SystemRole: systemRole}
				if err := db.Create(&user).Error; err != nil {
					return fmt.Errorf("create user: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %q (%s, id %d)\n", user.Email, user.SystemRole, user.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (default: email)")
	cmd.Flags().StringVar(&role, "role", string(models.SystemRoleUser), "System role: admin or user")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.MarkFlagRequired("email")

	return cmd
}

// ---------- user set-password ----------

func newUserSetPasswordCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "set-password <email>",
		Short: "Reset an operator's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.TrimSpace(strings.ToLower(args[0]))
			pw, err := readPassword(cmd.OutOrStdout(), password)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			return withDB(func(db *gorm.DB) error {
				result := db.Model(&models.User{}).Where("email = ?", email).Update("password_hash", hash)
				if result.Error != nil {
					return fmt.Errorf("update password: %w", result.Error)
				}
				if result.RowsAffected == 0 {
					return fmt.Errorf("user %q not found", email)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %q\n", email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "New password (prompted if omitted)")

	return cmd
}

// ---------- user list ----------

type userRow struct {
	ID    uint   `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"system_role"`
}

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List operator accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *gorm.DB) error {
				var users []models.User
				if err := db.Order("id").Find(&users).Error; err != nil {
					return err
				}

				rows := make([]userRow, len(users))
				for i, u := range users {
					rows[i] = userRow{ID: u.ID, Email: u.Email, Name: u.Name, Role: string(u.SystemRole)}
				}

				w := cmd.OutOrStdout()
				if jsonOutput {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(rows)
				}
				if len(rows) == 0 {
					fmt.Fprintln(w, "No users. Use 'inventario user create' to add one.")
					return nil
				}
				fmt.Fprintf(w, "%-6s %-30s %-24s %s\n", "ID", "EMAIL", "NAME", "ROLE")
				for _, r := range rows {
					fmt.Fprintf(w, "%-6d %-30s %-24s %s\n", r.ID, r.Email, r.Name, r.Role)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
