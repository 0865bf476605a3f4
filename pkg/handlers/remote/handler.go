// Package remote provides a handler that converges duties on hosts reached
// over SSH. Rosters carry the connection in their connection and auth maps and
// must have the "ssh" trait.
//
//	rosters:
//	  - name: web-1
//	    type: host
//	    traits: [ssh]
//	    connection: {host: 10.0.0.5, user: deploy, known_hosts: /etc/g8r/known_hosts}
//	    auth: {method: key, private_key_path: /etc/g8r/id_ed25519}
//	duties:
//	  - name: nginx-conf
//	    type: file
//	    backend: ssh
//	    spec: {path: /etc/nginx/conf.d/app.conf, content: "...", mode: "0644"}
//	  - name: nginx-reload
//	    type: command
//	    backend: ssh
//	    depends_on: [nginx-conf]
//	    spec: {check: "systemctl is-active nginx", apply: "systemctl reload nginx", sudo: true}
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/engine"
)

const (
	// Backend is the backend name the handler is registered under.
	Backend = "ssh"

	// DutyTypeCommand runs shell commands.
	DutyTypeCommand = "command"

	// DutyTypeFile manages file content and mode.
	DutyTypeFile = "file"

	// Trait is the roster trait the handler requires.
	Trait = "ssh"
)

// DialFunc opens a connection for one handler call.
type DialFunc func(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error)

// Handler implements engine.Handler for command and file duties over SSH.
// It dials once per call and keeps no connection state between calls.
type Handler struct {
	logger zerolog.Logger
	dial   DialFunc
}

// New creates an SSH handler.
func New(logger zerolog.Logger) *Handler {
	return &Handler{
		logger: logger.With().Str("handler", "ssh").Logger(),
		dial:   Dial,
	}
}

// Register adds the handler to the registry for every duty type it serves.
func Register(r *engine.Registry, h *Handler) error {
	for _, t := range h.SupportedDutyTypes() {
		if err := r.Register(t, Backend, h); err != nil {
			return err
		}
	}
	return nil
}

// Name implements engine.Handler.
func (h *Handler) Name() string { return "ssh" }

// SupportedDutyTypes implements engine.Handler.
func (h *Handler) SupportedDutyTypes() []string { return []string{DutyTypeCommand, DutyTypeFile} }

// RequiredRosterTraits implements engine.Handler.
func (h *Handler) RequiredRosterTraits() []string { return []string{Trait} }

// commandSpec is the spec of a command duty.
type commandSpec struct {
	check      string
	apply      string
	destroy    string
	sudo       bool
	retryCodes map[int]bool
}

// fileSpec is the spec of a file duty.
type fileSpec struct {
	path    string
	content string
	mode    os.FileMode
}

// Validate checks the roster connection and the duty spec.
func (h *Handler) Validate(_ context.Context, roster *engine.Roster, duty *engine.Duty) error {
	if _, err := ConfigFromRoster(roster); err != nil {
		return err
	}
	switch duty.Type {
	case DutyTypeCommand:
		_, err := parseCommandSpec(duty)
		return err
	case DutyTypeFile:
		_, err := parseFileSpec(duty)
		return err
	default:
		return engine.NewValidationError(fmt.Sprintf("unsupported duty type %s", duty.Type), nil).
			WithResource(duty.Name)
	}
}

// Apply converges the duty on the roster host.
func (h *Handler) Apply(ctx context.Context, roster *engine.Roster, duty *engine.Duty) (*engine.HandlerResult, error) {
	client, err := h.connect(ctx, roster)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	logger := h.logger.With().Str("duty", duty.Name).Str("roster", roster.Name).Logger()

	switch duty.Type {
	case DutyTypeCommand:
		spec, err := parseCommandSpec(duty)
		if err != nil {
			return nil, err
		}
		return h.applyCommand(ctx, logger, client, duty, spec)
	case DutyTypeFile:
		spec, err := parseFileSpec(duty)
		if err != nil {
			return nil, err
		}
		return h.applyFile(ctx, logger, client, spec)
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported duty type %s", duty.Type), nil).
			WithResource(duty.Name)
	}
}

// Destroy runs the destroy command or removes the file. A command duty
// without a destroy command has nothing to remove.
func (h *Handler) Destroy(ctx context.Context, roster *engine.Roster, duty *engine.Duty) error {
	switch duty.Type {
	case DutyTypeCommand:
		spec, err := parseCommandSpec(duty)
		if err != nil {
			return err
		}
		if spec.destroy == "" {
			return nil
		}
		client, err := h.connect(ctx, roster)
		if err != nil {
			return err
		}
		defer client.Close()

		_, err = h.run(ctx, client, duty, spec, spec.destroy)
		return err

	case DutyTypeFile:
		spec, err := parseFileSpec(duty)
		if err != nil {
			return err
		}
		client, err := h.connect(ctx, roster)
		if err != nil {
			return err
		}
		defer client.Close()

		return client.RemoveFile(spec.path)

	default:
		return engine.NewValidationError(fmt.Sprintf("unsupported duty type %s", duty.Type), nil).
			WithResource(duty.Name)
	}
}

func (h *Handler) connect(ctx context.Context, roster *engine.Roster) (*Client, error) {
	cfg, err := ConfigFromRoster(roster)
	if err != nil {
		return nil, err
	}
	return h.dial(ctx, cfg, h.logger.With().Str("roster", roster.Name).Logger())
}

func (h *Handler) applyCommand(
	ctx context.Context,
	logger zerolog.Logger,
	client *Client,
	duty *engine.Duty,
	spec *commandSpec,
) (*engine.HandlerResult, error) {
	if spec.check != "" {
		res, err := client.Run(ctx, wrapSudo(spec.check, spec.sudo))
		if err != nil {
			return nil, err
		}
		if res.ExitStatus == 0 {
			logger.Debug().Msg("Check passed, skipping apply")
			return &engine.HandlerResult{Phase: engine.PhaseDeployed, Message: "check passed"}, nil
		}
	}

	res, err := h.run(ctx, client, duty, spec, spec.apply)
	if err != nil {
		return nil, err
	}

	return &engine.HandlerResult{
		Phase:   engine.PhaseDeployed,
		Message: "command applied",
		Outputs: map[string]interface{}{
			"stdout":      res.Stdout,
			"exit_status": res.ExitStatus,
		},
	}, nil
}

// run executes cmd and classifies a non-zero exit status.
func (h *Handler) run(
	ctx context.Context,
	client *Client,
	duty *engine.Duty,
	spec *commandSpec,
	cmd string,
) (*CommandResult, error) {
	res, err := client.Run(ctx, wrapSudo(cmd, spec.sudo))
	if err != nil {
		return nil, err
	}
	if res.ExitStatus == 0 {
		return res, nil
	}

	msg := fmt.Sprintf("command exited with status %d", res.ExitStatus)
	if res.Stderr != "" {
		msg += ": " + res.Stderr
	}
	if spec.retryCodes[res.ExitStatus] {
		return nil, engine.NewTransientError(msg, nil).WithResource(duty.Name).
			WithDetail("exit_status", res.ExitStatus)
	}
	return nil, engine.NewPermanentError(msg, nil).WithResource(duty.Name).
		WithDetail("exit_status", res.ExitStatus)
}

func (h *Handler) applyFile(
	ctx context.Context,
	logger zerolog.Logger,
	client *Client,
	spec *fileSpec,
) (*engine.HandlerResult, error) {
	sum := sha256.Sum256([]byte(spec.content))
	want := hex.EncodeToString(sum[:])

	outputs := map[string]interface{}{
		"path":   spec.path,
		"sha256": want,
	}

	current, mode, exists, err := client.Checksum(ctx, spec.path)
	if err != nil {
		return nil, err
	}
	if exists && current == want {
		if mode == spec.mode.Perm() {
			return &engine.HandlerResult{Phase: engine.PhaseDeployed, Message: "unchanged", Outputs: outputs}, nil
		}
		if err := client.Chmod(spec.path, spec.mode); err != nil {
			return nil, err
		}
		logger.Info().Str("path", spec.path).Str("mode", fmt.Sprintf("%04o", spec.mode.Perm())).Msg("File mode updated")
		return &engine.HandlerResult{Phase: engine.PhaseDeployed, Message: "mode updated", Outputs: outputs}, nil
	}

	if err := client.WriteFile(ctx, spec.path, []byte(spec.content), spec.mode); err != nil {
		return nil, err
	}
	logger.Info().Str("path", spec.path).Msg("File updated")

	return &engine.HandlerResult{Phase: engine.PhaseDeployed, Message: "written", Outputs: outputs}, nil
}

func wrapSudo(cmd string, sudo bool) string {
	if !sudo {
		return cmd
	}
	return "sudo -n sh -c " + shellQuote(cmd)
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'\''`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}

func parseCommandSpec(duty *engine.Duty) (*commandSpec, error) {
	spec := &commandSpec{retryCodes: make(map[int]bool)}

	fields := map[string]*string{"check": &spec.check, "apply": &spec.apply, "destroy": &spec.destroy}
	for name, dst := range fields {
		v, ok := duty.Spec[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, specError(duty, fmt.Sprintf("spec.%s must be a string", name))
		}
		*dst = s
	}
	if spec.apply == "" {
		return nil, specError(duty, "spec.apply is required")
	}

	if v, ok := duty.Spec["sudo"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, specError(duty, "spec.sudo must be a boolean")
		}
		spec.sudo = b
	}

	if v, ok := duty.Spec["retry_exit_codes"]; ok {
		codes, ok := v.([]interface{})
		if !ok {
			return nil, specError(duty, "spec.retry_exit_codes must be a list")
		}
		for _, c := range codes {
			code, err := toInt(c)
			if err != nil {
				return nil, specError(duty, fmt.Sprintf("spec.retry_exit_codes: %v", err))
			}
			spec.retryCodes[code] = true
		}
	}
	return spec, nil
}

func parseFileSpec(duty *engine.Duty) (*fileSpec, error) {
	spec := &fileSpec{mode: 0o644}

	p, ok := duty.Spec["path"].(string)
	if !ok || !path.IsAbs(p) {
		return nil, specError(duty, "spec.path must be an absolute path")
	}
	spec.path = path.Clean(p)

	v, ok := duty.Spec["content"]
	if !ok {
		return nil, specError(duty, "spec.content is required")
	}
	if spec.content, ok = v.(string); !ok {
		return nil, specError(duty, "spec.content must be a string")
	}

	if v, ok := duty.Spec["mode"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, specError(duty, `spec.mode must be an octal string such as "0644"`)
		}
		mode, err := strconv.ParseUint(s, 8, 32)
		if err != nil || mode > 0o777 {
			return nil, specError(duty, fmt.Sprintf("spec.mode %q is not a valid file mode", s))
		}
		spec.mode = os.FileMode(mode)
	}
	return spec, nil
}

func specError(duty *engine.Duty, msg string) error {
	return engine.NewValidationError(msg, nil).WithResource(duty.Name)
}
