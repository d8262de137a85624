package tools

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

var resolver = &net.Resolver{}

// DNSLookupTool resolves a hostname to its addresses.
type DNSLookupTool struct{}

type dnsLookupArgs struct {
	Host string `json:"host" jsonschema:"required,description=Hostname to resolve"`
}

func (t *DNSLookupTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "dns_lookup",
		Description: "Resolve a hostname to IP addresses",
		Family:      FamilyOSINT,
		SideEffect:  SideEffectExternalIO,
		Parameters: []ToolParameter{
			{Name: "host", Type: "string", Description: "Hostname", Required: true},
		},
	}
}

func (t *DNSLookupTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a dnsLookupArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("dns_lookup", err.Error())
	}
	addrs, err := resolver.LookupHost(ctx, a.Host)
	if err != nil {
		return errorResult("dns_lookup", fmt.Sprintf("lookup failed for %s: %v", a.Host, err))
	}
	return valueResult("dns_lookup", strings.Join(addrs, "\n"), addrs)
}

// ReverseDNSTool resolves an IP address to hostnames.
type ReverseDNSTool struct{}

type reverseDNSArgs struct {
	IP string `json:"ip" jsonschema:"required,description=IP address to resolve"`
}

func (t *ReverseDNSTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "reverse_dns",
		Description: "Resolve an IP address to hostnames",
		Family:      FamilyOSINT,
		SideEffect:  SideEffectExternalIO,
		Parameters: []ToolParameter{
			{Name: "ip", Type: "string", Description: "IP address", Required: true},
		},
	}
}

func (t *ReverseDNSTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a reverseDNSArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("reverse_dns", err.Error())
	}
	if net.ParseIP(a.IP) == nil {
		return errorResult("reverse_dns", fmt.Sprintf("not an IP address: %s", a.IP))
	}
	names, err := resolver.LookupAddr(ctx, a.IP)
	if err != nil {
		return errorResult("reverse_dns", fmt.Sprintf("reverse lookup failed for %s: %v", a.IP, err))
	}
	return valueResult("reverse_dns", strings.Join(names, "\n"), names)
}

// PortCheckTool tests TCP connectivity to a single host:port.
type PortCheckTool struct{}

type portCheckArgs struct {
	Host string `json:"host" jsonschema:"required,description=Host to probe"`
	Port int    `json:"port" jsonschema:"required,description=TCP port to probe"`
}

func (t *PortCheckTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "port_check",
		Description: "Check whether a TCP port is open on a host",
		Family:      FamilyOSINT,
		SideEffect:  SideEffectExternalIO,
		Parameters: []ToolParameter{
			{Name: "host", Type: "string", Description: "Host", Required: true},
			{Name: "port", Type: "number", Description: "TCP port", Required: true},
		},
	}
}

func (t *PortCheckTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a portCheckArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("port_check", err.Error())
	}
	if a.Port < 1 || a.Port > 65535 {
		return errorResult("port_check", fmt.Sprintf("invalid port: %d", a.Port))
	}
	addr := net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	open := err == nil
	if conn != nil {
		conn.Close()
	}
	state := "closed"
	if open {
		state = "open"
	}
	return valueResult("port_check", fmt.Sprintf("%s is %s", addr, state), open)
}
