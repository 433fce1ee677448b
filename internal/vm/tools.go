package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jamesprial/vmctl/internal/safety"
	"github.com/jamesprial/vmctl/internal/tools"
)

// DestructiveTools lists the VM tool names that require explicit
// confirmation before execution.
var DestructiveTools = []string{
	"vm_stop",
	"vm_create",
	"vm_delete",
}

// FilterFunc returns the VM name filter to apply to a call. It is consulted
// on every call so a configuration reload takes effect immediately.
type FilterFunc func() *safety.Filter

// StaticFilter returns a FilterFunc that always yields f.
func StaticFilter(f *safety.Filter) FilterFunc {
	return func() *safety.Filter { return f }
}

// VMTools returns a slice of tool registrations for all VM MCP tools.
// Each tool is wired to the provided VMManager, name filter,
// ConfirmationTracker, and AuditLogger.
func VMTools(
	mgr VMManager,
	filter FilterFunc,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
) []tools.Registration {
	if filter == nil {
		filter = StaticFilter(safety.NewFilter(nil, nil))
	}
	return []tools.Registration{
		vmList(mgr, filter, audit),
		vmGet(mgr, filter, audit),
		vmCreate(mgr, filter, confirm, audit),
		vmStart(mgr, filter, audit),
		vmStop(mgr, filter, confirm, audit),
		vmDelete(mgr, filter, confirm, audit),
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveAllowed fetches the VM for id and reports whether the filter
// permits its name. A nil VM is returned with the lookup error.
func resolveAllowed(ctx context.Context, mgr VMManager, filter FilterFunc, id string) (*VM, bool, error) {
	v, err := mgr.GetVM(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return v, filter().IsAllowed(v.Name), nil
}

func deniedResult(name string) *mcp.CallToolResult {
	return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", name))
}

// ParseMetadata decodes a JSON document into a structured value. An empty
// string yields nil.
func ParseMetadata(raw string) (*structpb.Value, error) {
	if raw == "" {
		return nil, nil
	}
	v := &structpb.Value{}
	if err := protojson.Unmarshal([]byte(raw), v); err != nil {
		return nil, fmt.Errorf("%w: metadata must be a JSON document: %v", ErrValidation, err)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// VM tools
// ---------------------------------------------------------------------------

func vmList(mgr VMManager, filter FilterFunc, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_list",
		mcp.WithDescription("List all virtual machines in the catalog."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := map[string]any{}

		vms, err := mgr.ListVMs(ctx)
		if err != nil {
			tools.LogAudit(audit, "vm_list", params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}

		f := filter()
		visible := make([]VM, 0, len(vms))
		for _, v := range vms {
			if f.IsAllowed(v.Name) {
				visible = append(visible, v)
			}
		}

		tools.LogAudit(audit, "vm_list", params, "ok", start)
		return tools.JSONResult(visible), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmGet(mgr VMManager, filter FilterFunc, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_get",
		mcp.WithDescription("Return the catalog entry for a virtual machine."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("VM id"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id := req.GetString("id", "")
		params := map[string]any{"id": id}

		v, allowed, err := resolveAllowed(ctx, mgr, filter, id)
		if err != nil {
			tools.LogAudit(audit, "vm_get", params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}
		if !allowed {
			tools.LogAudit(audit, "vm_get", params, "denied", start)
			return deniedResult(v.Name), nil
		}

		tools.LogAudit(audit, "vm_get", params, "ok", start)
		return tools.JSONResult(v), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmCreate(mgr VMManager, filter FilterFunc, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "vm_create"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Create a new virtual machine and define its libvirt domain. The VM starts out stopped. Requires confirmation."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("VM name (1-63 characters)"),
		),
		mcp.WithNumber("vcpus",
			mcp.Required(),
			mcp.Description("Virtual CPU count (1-64)"),
		),
		mcp.WithNumber("memory_mb",
			mcp.Required(),
			mcp.Description("Memory in MiB (512-1048576)"),
		),
		mcp.WithNumber("disk_gb",
			mcp.Description("Disk size in GiB; 0 for no disk"),
		),
		mcp.WithString("owner",
			mcp.Description("Owner label"),
		),
		mcp.WithString("template",
			mcp.Description("Template reference; accepted but not used"),
		),
		mcp.WithString("metadata",
			mcp.Description("Arbitrary JSON document stored with the VM"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		token := req.GetString("confirmation_token", "")
		cr := CreateRequest{
			Name: name,
			Resources: Resources{
				VCPUs:    req.GetInt("vcpus", 0),
				MemoryMB: req.GetInt("memory_mb", 0),
				DiskGB:   req.GetInt("disk_gb", 0),
			},
			Owner:    req.GetString("owner", ""),
			Template: req.GetString("template", ""),
		}
		params := map[string]any{
			"name":      name,
			"vcpus":     cr.Resources.VCPUs,
			"memory_mb": cr.Resources.MemoryMB,
			"disk_gb":   cr.Resources.DiskGB,
		}

		if !filter().IsAllowed(name) {
			tools.LogAudit(audit, toolName, params, "denied", start)
			return deniedResult(name), nil
		}

		meta, err := ParseMetadata(req.GetString("metadata", ""))
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}
		cr.Metadata = meta

		// Reject bad input before asking for confirmation.
		if err := cr.Validate(); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}

		resource := createResource(cr)
		if !confirm.Confirm(toolName, resource, token) {
			desc := fmt.Sprintf("This will define a new virtual machine %q with %d vCPUs and %d MiB of memory.",
				name, cr.Resources.VCPUs, cr.Resources.MemoryMB)
			return tools.ConfirmPrompt(confirm, toolName, resource, desc), nil
		}

		v, err := mgr.CreateVM(ctx, cr)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return tools.JSONResult(v), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmStart(mgr VMManager, filter FilterFunc, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_start",
		mcp.WithDescription("Start a virtual machine. Starting a running VM succeeds without changes."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("VM id"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id := req.GetString("id", "")
		params := map[string]any{"id": id}

		v, allowed, err := resolveAllowed(ctx, mgr, filter, id)
		if err != nil {
			tools.LogAudit(audit, "vm_start", params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}
		if !allowed {
			tools.LogAudit(audit, "vm_start", params, "denied", start)
			return deniedResult(v.Name), nil
		}

		if err := mgr.StartVM(ctx, id); err != nil {
			tools.LogAudit(audit, "vm_start", params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}

		tools.LogAudit(audit, "vm_start", params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q started successfully", v.Name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// createResource is the confirmation key for vm_create. A token only creates
// the VM it was issued for, so changing the shape of the request needs a new
// token.
func createResource(cr CreateRequest) string {
	key := fmt.Sprintf("%s (vcpus=%d memory_mb=%d disk_gb=%d", cr.Name,
		cr.Resources.VCPUs, cr.Resources.MemoryMB, cr.Resources.DiskGB)
	if cr.Owner != "" {
		key += " owner=" + cr.Owner
	}
	if cr.Template != "" {
		key += " template=" + cr.Template
	}
	return key + ")"
}

func vmStop(mgr VMManager, filter FilterFunc, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "vm_stop"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Stop a running virtual machine, gracefully via ACPI or forcibly. Requires confirmation."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("VM id"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Destroy the domain immediately instead of requesting a guest shutdown"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id := req.GetString("id", "")
		force := req.GetBool("force", false)
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"id": id, "force": force}

		v, allowed, err := resolveAllowed(ctx, mgr, filter, id)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}
		if !allowed {
			tools.LogAudit(audit, toolName, params, "denied", start)
			return deniedResult(v.Name), nil
		}

		resource := id
		if force {
			resource = id + " (force)"
		}
		if !confirm.Confirm(toolName, resource, token) {
			desc := fmt.Sprintf("This will gracefully shut down VM %q via ACPI.", v.Name)
			if force {
				desc = fmt.Sprintf("This will FORCIBLY destroy VM %q immediately (like pulling the power cord). Data loss may occur.", v.Name)
			}
			return tools.ConfirmPrompt(confirm, toolName, resource, desc), nil
		}

		if err := mgr.StopVM(ctx, id, force); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q stopped successfully", v.Name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmDelete(mgr VMManager, filter FilterFunc, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "vm_delete"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Delete a stopped virtual machine: undefine its domain and remove it from the catalog. Requires confirmation."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("VM id"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id := req.GetString("id", "")
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"id": id}

		v, allowed, err := resolveAllowed(ctx, mgr, filter, id)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}
		if !allowed {
			tools.LogAudit(audit, toolName, params, "denied", start)
			return deniedResult(v.Name), nil
		}

		if !confirm.Confirm(toolName, id, token) {
			desc := fmt.Sprintf("This will permanently delete VM %q. The disk images are NOT automatically deleted.", v.Name)
			return tools.ConfirmPrompt(confirm, toolName, id, desc), nil
		}

		if err := mgr.DeleteVM(ctx, id); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResultFor(err), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q deleted successfully", v.Name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
