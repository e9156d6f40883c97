package main

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/wippyai/capbridge"
	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/schema"
	"go.uber.org/zap"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var callCmd = &cobra.Command{
	Use:   "call [method] [name=value...]",
	Short: "call a method on a published object",
	Long: `Restores the configured object and calls one of its methods.
Parameters are given as name=value and converted to the declared field
types; struct and list values are written as YAML flow, e.g. tags=[a,b].
Without a method, an interactive picker is opened on a terminal and the
method list is printed otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.Context(), cmd.OutOrStdout(), args)
	},
}

var callTimeout time.Duration

func init() {
	flags := callCmd.Flags()
	flags.String("interface", cfg.Interface, "Schema id of the object's interface")
	flags.String("object", cfg.Object, "Object id to restore")
	flags.StringP("output", "o", cfg.Output, "Output format: json or yaml")
	flags.DurationVar(&callTimeout, "timeout", 10*time.Second, "Give up on a call after this long")
}

// session is a restored object ready to be called.
type session struct {
	cb      *capbridge.Context
	client  *capability.Client
	methods *capability.MethodSet
}

func openSession() (*session, error) {
	cb, err := newContext()
	if err != nil {
		return nil, err
	}
	iface, err := cb.ResolveSchema(cfg.Interface, nil)
	if err != nil {
		cb.Close()
		return nil, err
	}
	methods, err := cb.Methods(iface)
	if err != nil {
		cb.Close()
		return nil, err
	}
	conn := cb.Connect(cfg.Address)
	client, err := cb.Restore(conn, cfg.Object, iface)
	if err != nil {
		cb.Close()
		return nil, err
	}
	logger.Debug("restored", zap.String("object", cfg.Object), zap.String("interface", iface.Name))
	return &session{cb: cb, client: client, methods: methods}, nil
}

func (s *session) Close() {
	s.cb.CloseClient(s.client)
	if err := s.cb.Close(); err != nil {
		logger.Warn("close", zap.Error(err))
	}
}

// invoke calls method with params and decodes the results. Capabilities in
// the results are shown by interface name and released.
func (s *session) invoke(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	req, err := s.cb.NewRequest(s.client, method)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := s.cb.Encode(req.Params(), params); err != nil {
			return nil, err
		}
	}
	p, err := req.Send()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Release()
	out, err := s.cb.Decode(resp.Struct())
	if err != nil {
		return nil, err
	}
	return printable(out).(map[string]any), nil
}

func printable(v any) any {
	switch x := v.(type) {
	case *capability.Client:
		name := "capability"
		if n := x.Schema(); n != nil {
			name = n.Name
		}
		x.Release()
		return "<" + name + ">"
	case dynamic.Capability:
		x.Release()
		return "<capability>"
	case map[string]any:
		for k, item := range x {
			x[k] = printable(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = printable(item)
		}
		return x
	default:
		return v
	}
}

func call(ctx context.Context, w io.Writer, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
			return runInteractive(ctx, s)
		}
		for _, name := range s.methods.Names() {
			fmt.Fprintln(w, name)
		}
		return nil
	}

	entry, ok := s.methods.Lookup(args[0])
	if !ok {
		return fmt.Errorf("%s has no method %q", cfg.Interface, args[0])
	}
	paramNode, err := entry.Method.Params()
	if err != nil {
		return err
	}
	params, err := parseParams(paramNode, args[1:])
	if err != nil {
		return err
	}
	out, err := s.invoke(ctx, args[0], params)
	if err != nil {
		return err
	}
	return render(w, cfg.Output, out)
}

// parseParams converts name=value arguments to host values for node.
func parseParams(node *schema.Node, args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q is not name=value", arg)
		}
		f, ok := node.Field(name)
		if !ok {
			return nil, fmt.Errorf("%s has no parameter %q", node.Name, name)
		}
		v, err := convertArg(value, f.Type)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		params[name] = v
	}
	return params, nil
}

func convertArg(value string, t schema.Type) (any, error) {
	switch t.(type) {
	case schema.Text, schema.Enum:
		return value, nil
	case schema.Data:
		return []byte(value), nil
	case schema.Bool:
		return strconv.ParseBool(value)
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64,
		schema.Uint8, schema.Uint16, schema.Uint32, schema.Uint64,
		schema.Float32, schema.Float64:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return nil, fmt.Errorf("%q is not a number", value)
		}
		return stdjson.Number(value), nil
	case schema.Void:
		return nil, nil
	default:
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", t, err)
		}
		return v, nil
	}
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
}
