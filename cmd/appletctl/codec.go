package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"appletkit/navigation"
)

const fieldFlagUsage = `Declare a parameter as key=kind[:default]; kind is one of
string, array, boolean, number, date, dateRange (repeatable)`

func newDecodeCmd() *cobra.Command {
	var (
		fields    []string
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "decode <hash>",
		Short: "Decode a URL hash into its path and typed parameters",
		Long: `The decode command splits a hash into its path and parameters and
converts each value with the declared schema. Without --field every key is
decoded as a string.

Example:
  appletctl decode '#/events?status=active&start_date=2024-06-01' \
    --field status=string --field start_date=date
  appletctl decode '#/list?grid_page=2' --namespace grid --field page=number:1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := parseSchema(fields)
			if err != nil {
				return err
			}
			path, raw := navigation.Parse(args[0], namespace, schema)
			params := navigation.Decode(raw, schema)

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{"path": path, "params": params})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path: %s\n", path)
			for _, p := range navigation.Encode(params, schema) {
				fmt.Fprintf(out, "%s = %s\n", p.Key, p.Value)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, fieldFlagUsage)
	cmd.Flags().StringVar(&namespace, "namespace", "", "Only read keys prefixed with <namespace>_")
	return cmd
}

func newEncodeCmd() *cobra.Command {
	var (
		fields    []string
		sets      []string
		path      string
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Build a URL hash from a path and parameter values",
		Long: `The encode command builds a hash in schema order. Values given with
--set are parsed with the declared kind; empty values and false booleans
are omitted.

Example:
  appletctl encode --path /events --field status=string --field start_date=date \
    --set status=active --set start_date=2024-06-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := parseSchema(fields)
			if err != nil {
				return err
			}
			raw, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			params := navigation.Decode(raw, schema)
			hash := navigation.BuildHash(path, navigation.Encode(params, schema), namespace)

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]string{"hash": hash})
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, fieldFlagUsage)
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Set a parameter value as key=value (repeatable)")
	cmd.Flags().StringVar(&path, "path", "/", "Path portion of the hash")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Prefix every key with <namespace>_")
	return cmd
}

// parseSchema 解析 --field 声明，保持给出的顺序
func parseSchema(decls []string) (navigation.Schema, error) {
	fields := make([]navigation.Field, 0, len(decls))
	for _, decl := range decls {
		f, err := parseField(decl)
		if err != nil {
			return navigation.Schema{}, err
		}
		fields = append(fields, f)
	}
	return navigation.NewSchema(fields...), nil
}

func parseField(decl string) (navigation.Field, error) {
	key, rest, _ := strings.Cut(decl, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return navigation.Field{}, fmt.Errorf("invalid field %q: missing key", decl)
	}
	kindName, def, hasDefault := strings.Cut(rest, ":")
	kind := navigation.ParseKind(strings.TrimSpace(kindName))

	field := navigation.Field{Key: key, Kind: kind, Default: zeroValue(kind)}
	if hasDefault {
		probe := navigation.NewSchema(field)
		field.Default = navigation.Decode(map[string]string{key: def}, probe)[key]
	}
	return field, nil
}

func zeroValue(kind navigation.Kind) any {
	switch kind {
	case navigation.KindArray:
		return []string{}
	case navigation.KindBoolean:
		return false
	case navigation.KindNumber, navigation.KindDate, navigation.KindDateRange:
		return nil
	default:
		return ""
	}
}

func parseAssignments(sets []string) (map[string]string, error) {
	raw := make(map[string]string, len(sets))
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid assignment %q: want key=value", s)
		}
		raw[k] = v
	}
	return raw, nil
}
