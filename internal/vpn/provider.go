// Package vpn keeps the VPN tunnel to the remote share up before any remote I/O.
package vpn

import "context"

// Provider is the operating system's VPN client.
type Provider interface {
	IsUp(ctx context.Context, name string) (bool, error)
	Connect(ctx context.Context, name string) error
	Disconnect(ctx context.Context, name string) error
}
