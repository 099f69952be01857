package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/criminalytix/seenpredyct/internal/auth"
	"github.com/criminalytix/seenpredyct/internal/domain"
)

const recordTimeout = 2 * time.Second

func runLogin(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("login", pflag.ContinueOnError)
	email := flags.StringP("email", "e", "", "account email")
	password := flags.StringP("password", "p", os.Getenv("SEENPREDYCT_PASSWORD"), "account password (prompted when empty)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		pw, err := promptPassword()
		if err != nil {
			return err
		}
		*password = pw
	}

	user, err := a.auth.Login(ctx, auth.Credentials{Email: *email, Password: *password})
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (%s)\n", user.DisplayName(), user.Role)
	return nil
}

func runLogout(ctx context.Context, a *app, args []string) error {
	if err := a.auth.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

func runWhoami(ctx context.Context, a *app, args []string) error {
	user := a.auth.CurrentUser()
	if user == nil {
		return auth.ErrNotAuthenticated
	}
	return printJSON(user)
}

func runRegister(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("register", pflag.ContinueOnError)
	var req auth.RegisterRequest
	var role string
	flags.StringVarP(&req.Email, "email", "e", "", "account email")
	flags.StringVarP(&req.Password, "password", "p", "", "account password (prompted when empty)")
	flags.StringVar(&req.FullName, "name", "", "full name")
	flags.StringVar(&role, "role", string(domain.RoleViewer), "requested role")
	flags.StringVar(&req.Department, "department", "", "department")
	flags.StringVar(&req.Phone, "phone", "", "phone number")
	if err := flags.Parse(args); err != nil {
		return err
	}
	req.Role = domain.ParseRole(role)
	if req.Password == "" {
		pw, err := promptPassword()
		if err != nil {
			return err
		}
		req.Password = pw
	}

	user, err := a.auth.Register(ctx, req)
	if err != nil {
		return err
	}
	if a.auth.CurrentUser() == nil {
		fmt.Printf("Registered %s; confirm the email before signing in\n", user.Email)
		return nil
	}
	fmt.Printf("Registered and signed in as %s (%s)\n", user.DisplayName(), user.Role)
	return nil
}

func runResetPassword(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("reset-password", pflag.ContinueOnError)
	email := flags.StringP("email", "e", "", "account email")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := a.auth.ResetPassword(ctx, *email); err != nil {
		return err
	}
	fmt.Printf("Recovery email sent to %s\n", *email)
	return nil
}

func runCreateAdmin(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("create-admin", pflag.ContinueOnError)
	var req auth.AdminUserRequest
	var role string
	token := flags.String("token", a.cfg.Provider.BootstrapToken, "bootstrap token")
	flags.StringVarP(&req.Email, "email", "e", "", "account email")
	flags.StringVarP(&req.Password, "password", "p", "", "account password (prompted when empty)")
	flags.StringVar(&req.FullName, "name", "", "full name")
	flags.StringVar(&role, "role", string(domain.RoleAdmin), "role to grant")
	flags.StringVar(&req.Department, "department", "", "department")
	if err := flags.Parse(args); err != nil {
		return err
	}
	req.Role = domain.ParseRole(role)
	if req.Password == "" {
		pw, err := promptPassword()
		if err != nil {
			return err
		}
		req.Password = pw
	}

	user, err := a.auth.CreateAdminUser(ctx, req, *token)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s with id %s\n", user.Email, user.ID)
	return nil
}

// profileFlags binds one flag per profile field.
func profileFlags(flags *pflag.FlagSet, p *domain.Profile) *string {
	flags.StringVar(&p.RegionName, "region", "", "region name")
	flags.IntVar(&p.Age, "age", 0, "age in years")
	flags.StringVar(&p.Ethnicity, "ethnicity", "", "ethnicity")
	flags.StringVar(&p.Profession, "profession", "", "profession")
	flags.StringVar(&p.City, "city", "", "city")
	flags.StringVar(&p.InitialCrimeType, "crime", "", "initial crime type")
	flags.StringVar(&p.PrimaryPlatform, "platform", "", "primary platform")
	return flags.StringP("file", "f", "", "read the profile from a YAML or JSON file")
}

func runPredict(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("predict", pflag.ContinueOnError)
	var profile domain.Profile
	file := profileFlags(flags, &profile)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *file != "" {
		if err := readFile(*file, &profile); err != nil {
			return err
		}
	}

	user, err := a.requireRole(domain.RoleAgent)
	if err != nil {
		return err
	}

	a.predictions.Initialize(ctx)
	if errs := a.predictions.ValidateProfile(ctx, profile); len(errs) > 0 {
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, strings.Join(errs, "; "))
	}

	result := a.predictions.Predict(ctx, profile)
	before := a.handled()
	id, err := a.predictions.Publish(ctx, user.ID, profile, result)
	if err != nil {
		return err
	}
	a.awaitRecorded(before, 1, recordTimeout)

	return printJSON(map[string]any{
		"id":     id,
		"result": result,
		"demo":   a.predictions.DemoMode(),
	})
}

func runBatch(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("batch", pflag.ContinueOnError)
	file := flags.StringP("file", "f", "", "YAML or JSON list of profiles")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("%w: --file is required", auth.ErrInvalidInput)
	}

	var profiles []domain.Profile
	if err := readFile(*file, &profiles); err != nil {
		return err
	}

	user, err := a.requireRole(domain.RoleAnalyst)
	if err != nil {
		return err
	}

	a.predictions.Initialize(ctx)
	results := a.predictions.BatchPredict(ctx, profiles)

	before := a.handled()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tPROBABILITY\tRISK\tCONFIDENCE\tALGORITHM")
	for i, r := range results {
		id, err := a.predictions.Publish(ctx, user.ID, profiles[i], r)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%s\t%.2f\t%s\n", i+1, id, r.Probability, r.RiskLevel, r.Confidence, r.Metadata.Algorithm)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	a.awaitRecorded(before, len(results), recordTimeout)
	return nil
}

func runValidate(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	var profile domain.Profile
	file := profileFlags(flags, &profile)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *file != "" {
		if err := readFile(*file, &profile); err != nil {
			return err
		}
	}

	a.predictions.Initialize(ctx)
	errs := a.predictions.ValidateProfile(ctx, profile)
	if len(errs) == 0 {
		fmt.Println("Profile is valid")
		return nil
	}
	for _, e := range errs {
		fmt.Println("  -", e)
	}
	return fmt.Errorf("%d validation errors", len(errs))
}

func runOptions(ctx context.Context, a *app, args []string) error {
	a.predictions.Initialize(ctx)
	options := a.predictions.FieldOptions()

	fields := make([]string, 0, len(options))
	for field := range options {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		fmt.Printf("%s:\n  %s\n", field, strings.Join(options[field], ", "))
	}
	if a.predictions.DemoMode() {
		fmt.Fprintln(os.Stderr, "model unreachable; showing built-in labels")
	}
	return nil
}

func runHistory(ctx context.Context, a *app, args []string) error {
	flags := pflag.NewFlagSet("history", pflag.ContinueOnError)
	var filter domain.PredictionFilter
	since := flags.Duration("since", 0, "only list predictions newer than this")
	flags.StringVar(&filter.UserID, "user", "", "only list predictions by this operator")
	flags.IntVar(&filter.Limit, "limit", 20, "maximum number of rows")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}

	if _, err := a.requireRole(domain.RoleAnalyst); err != nil {
		return err
	}

	records, err := a.repo.ListPredictions(ctx, filter)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tUSER\tREGION\tPROBABILITY\tRISK\tSOURCE")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\t%s\t%s\n",
			rec.ID, rec.CreatedAt.Local().Format(time.DateTime), rec.UserID,
			rec.Profile.RegionName, rec.Result.Probability, rec.Result.RiskLevel, rec.Source)
	}
	return w.Flush()
}

func (a *app) requireRole(role domain.Role) (*domain.User, error) {
	if err := a.auth.RequireRole(role); err != nil {
		return nil, err
	}
	return a.auth.CurrentUser(), nil
}

// readFile decodes a YAML or JSON file; YAML is a superset of JSON.
func readFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required: pass --password or set SEENPREDYCT_PASSWORD")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}
