// Package discovery centralizes in-network address and shard conventions.
package discovery

import (
	"net"
	"strconv"
	"strings"
)

const (
	// ServiceSim is the sim HTTP/WebSocket service identity.
	ServiceSim = "sim"
	// ServiceNATS is the event bus identity.
	ServiceNATS = "nats"
	// ServiceJaeger is the jaeger HTTP service identity.
	ServiceJaeger = "jaeger"
)

var grpcPorts = map[string]int{
	ServiceSim: 8096,
}

var httpPorts = map[string]int{
	ServiceSim:    8095,
	ServiceJaeger: 16686,
}

// DefaultGRPCAddr returns the canonical in-network gRPC address for a service.
func DefaultGRPCAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), grpcPorts)
}

// DefaultHTTPAddr returns the canonical in-network HTTP address for a service.
func DefaultHTTPAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), httpPorts)
}

// OrDefaultGRPCAddr returns value when set, otherwise the service convention.
func OrDefaultGRPCAddr(value, service string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return DefaultGRPCAddr(service)
}

// OrDefaultHTTPAddr returns value when set, otherwise the service convention.
func OrDefaultHTTPAddr(value, service string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return DefaultHTTPAddr(service)
}

// DefaultNATSURL returns the canonical in-network NATS URL.
func DefaultNATSURL() string {
	return "nats://" + ServiceNATS + ":4222"
}

// ShardFromAddr derives a shard id from a listen address. Shards are named
// by their HTTP port so clients can reach the owner from a hint alone.
func ShardFromAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		if _, convErr := strconv.Atoi(addr); convErr == nil {
			return addr
		}
		return ""
	}
	return port
}

// OrShard returns value when set, otherwise the shard derived from addr.
func OrShard(value, addr string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return ShardFromAddr(addr)
}

func defaultAddr(service string, ports map[string]int) string {
	port, ok := ports[service]
	if !ok || port <= 0 {
		return ""
	}
	return service + ":" + strconv.Itoa(port)
}
