package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rowhooks/internal/keys"
	"github.com/roach88/rowhooks/internal/mutation"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/store/sqlite"
)

// MutateOptions holds flags shared by insert, update, delete and get.
type MutateOptions struct {
	*RootOptions
	DB     string // SQLite database path
	Tables string // directory of CUE table definitions
	Table  string // target table name
	Data   string // JSON object payload
	Key    string // explicit key field
	Value  string // JSON key value
}

// target is an opened database with the selected table ensured.
type target struct {
	store   *sqlite.Store
	table   *schema.Table
	manager *mutation.Manager
}

// NewInsertCommand creates the insert command.
func NewInsertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Insert a row",
		Long: `Insert a row through the orchestrator.

Example:
  rowhooks insert --db app.db --tables ./tables --table users --data '{"id":"u1","name":"Ada"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(opts, cmd, func(ctx context.Context, tg *target) error {
				data, err := parseObject("--data", opts.Data)
				if err != nil {
					return err
				}
				return writeResponse(newFormatter(opts.RootOptions, cmd), tg.manager.InsertWithKey(ctx, tg.table, opts.Key, data))
			})
		},
	}
	addMutateFlags(cmd, opts, true, false)
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a row",
		Long: `Update the row addressed by --value through the orchestrator.

Example:
  rowhooks update --db app.db --tables ./tables --table users --value '"u1"' --data '{"name":"Eve"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(opts, cmd, func(ctx context.Context, tg *target) error {
				value, err := parseValue("--value", opts.Value)
				if err != nil {
					return err
				}
				data, err := parseObject("--data", opts.Data)
				if err != nil {
					return err
				}
				return writeResponse(newFormatter(opts.RootOptions, cmd), tg.manager.Update(ctx, tg.table, opts.Key, value, data))
			})
		},
	}
	addMutateFlags(cmd, opts, true, true)
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a row",
		Long: `Delete the row addressed by --value through the orchestrator.

Example:
  rowhooks delete --db app.db --tables ./tables --table users --value '"u1"'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(opts, cmd, func(ctx context.Context, tg *target) error {
				value, err := parseValue("--value", opts.Value)
				if err != nil {
					return err
				}
				return writeResponse(newFormatter(opts.RootOptions, cmd), tg.manager.Delete(ctx, tg.table, opts.Key, value))
			})
		},
	}
	addMutateFlags(cmd, opts, false, true)
	return cmd
}

// NewGetCommand creates the get command. It reads without hooks.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print a row",
		Long: `Print the row addressed by --value. No hooks run.

Example:
  rowhooks get --db app.db --tables ./tables --table memberships --value '{"org":"o1","user":"u1"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(opts, cmd, func(ctx context.Context, tg *target) error {
				return getRow(ctx, opts, cmd, tg)
			})
		},
	}
	addMutateFlags(cmd, opts, false, true)
	return cmd
}

func addMutateFlags(cmd *cobra.Command, opts *MutateOptions, data, value bool) {
	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite database path (defaults to the config file's database)")
	cmd.Flags().StringVar(&opts.Tables, "tables", "", "directory of CUE table definitions")
	cmd.Flags().StringVar(&opts.Table, "table", "", "table name")
	cmd.Flags().StringVar(&opts.Key, "key", "", "key field (defaults to the declared primary key)")
	_ = cmd.MarkFlagRequired("tables")
	_ = cmd.MarkFlagRequired("table")
	if data {
		cmd.Flags().StringVar(&opts.Data, "data", "", "row data as a JSON object")
		_ = cmd.MarkFlagRequired("data")
	}
	if value {
		cmd.Flags().StringVar(&opts.Value, "value", "", "key value as JSON, an object for composite keys")
		_ = cmd.MarkFlagRequired("value")
	}
}

// withTarget opens the database, ensures the table and runs fn.
func withTarget(opts *MutateOptions, cmd *cobra.Command, fn func(context.Context, *target) error) error {
	f := newFormatter(opts.RootOptions, cmd)

	dbPath := opts.DB
	if dbPath == "" && opts.File != nil {
		dbPath = opts.File.Database
	}
	if dbPath == "" {
		return NewExitError(ExitCommandError, "--db is required when the config file sets no database")
	}

	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger, err := opts.Logger(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log configuration", err)
	}

	loaded, err := LoadTables(opts.Tables)
	if err != nil {
		code := ErrCodeGeneric
		var le *LoadError
		if errors.As(err, &le) {
			code = le.Code
		}
		_ = f.Error(code, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load tables", err)
	}
	table, ok := loaded.Table(opts.Table)
	if !ok {
		msg := fmt.Sprintf("unknown table %q", opts.Table)
		_ = f.Error(ErrCodeUnknownTable, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := sqlite.Open(dbPath)
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if err := st.EnsureTable(ctx, table); err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to prepare table", err)
	}

	f.VerboseLog("database %s, table %s", dbPath, table.QualifiedName())
	return fn(ctx, &target{
		store:   st,
		table:   table,
		manager: mutation.New(st, cfg, mutation.WithLogger(logger)),
	})
}

func getRow(ctx context.Context, opts *MutateOptions, cmd *cobra.Command, tg *target) error {
	f := newFormatter(opts.RootOptions, cmd)

	value, err := parseValue("--value", opts.Value)
	if err != nil {
		return err
	}
	ks, err := keys.Resolve(tg.table, opts.Key)
	if err != nil {
		return f.Refuse(err)
	}
	sel, err := keys.BuildSelector(ks, value)
	if err != nil {
		return f.Refuse(err)
	}

	row, found, err := tg.store.SelectOne(ctx, tg.table, sel)
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read row", err)
	}
	if !found {
		return f.Failure(mutation.KindNotFound, mutation.MsgRowNotFound)
	}
	return f.Row(row)
}

func parseObject(flag, raw string) (record.Row, error) {
	v, err := record.ParseJSON([]byte(raw))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid %s JSON", flag), err)
	}
	obj, ok := v.(record.Object)
	if !ok {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("%s must be a JSON object", flag))
	}
	return obj, nil
}

func parseValue(flag, raw string) (record.Value, error) {
	v, err := record.ParseJSON([]byte(raw))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid %s JSON", flag), err)
	}
	return v, nil
}
