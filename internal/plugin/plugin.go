// Package plugin hosts out-of-process embedders over hashicorp's go-plugin
// protocol. The default net/rpc transport carries the small Embed surface
// without generated code; plugin binaries link this package and call Serve.
package plugin

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"

	hcplugin "github.com/hashicorp/go-plugin"

	"github.com/felixgeelhaar/aria/internal/memory"
)

// HandshakeConfig is shared between the host and every plugin binary.
var HandshakeConfig = hcplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "ARIA_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "aria-gateway",
}

// PluginMap names the plugins this host can dispense.
var PluginMap = map[string]hcplugin.Plugin{
	"embedder": &EmbedderPlugin{},
}

// EmbedRequest crosses the process boundary via gob.
type EmbedRequest struct {
	Text string
}

// EmbedResponse carries the produced vector back.
type EmbedResponse struct {
	Vector []float32
}

// EmbedderRPCClient implements memory.Embedder over the plugin connection.
type EmbedderRPCClient struct {
	client *rpc.Client
}

// Embed calls into the plugin process. net/rpc has no context support, so
// cancellation abandons the in-flight call instead of interrupting it.
func (c *EmbedderRPCClient) Embed(ctx context.Context, text string) ([]float32, error) {
	type outcome struct {
		vec []float32
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var resp EmbedResponse
		err := c.client.Call("Plugin.Embed", EmbedRequest{Text: text}, &resp)
		done <- outcome{vec: resp.Vector, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("plugin embed: %w", r.err)
		}
		return r.vec, nil
	}
}

func (c *EmbedderRPCClient) Dimensions() int {
	var dims int
	if err := c.client.Call("Plugin.Dimensions", new(interface{}), &dims); err != nil {
		return 0
	}
	return dims
}

// EmbedderRPCServer serves a local Embedder implementation to the host.
type EmbedderRPCServer struct {
	Impl memory.Embedder
}

func (s *EmbedderRPCServer) Embed(req EmbedRequest, resp *EmbedResponse) error {
	vec, err := s.Impl.Embed(context.Background(), req.Text)
	if err != nil {
		return err
	}
	resp.Vector = vec
	return nil
}

func (s *EmbedderRPCServer) Dimensions(_ interface{}, resp *int) error {
	*resp = s.Impl.Dimensions()
	return nil
}

// EmbedderPlugin is the go-plugin adapter dispensing embedders.
type EmbedderPlugin struct {
	Impl memory.Embedder
}

func (p *EmbedderPlugin) Server(*hcplugin.MuxBroker) (interface{}, error) {
	return &EmbedderRPCServer{Impl: p.Impl}, nil
}

func (p *EmbedderPlugin) Client(b *hcplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &EmbedderRPCClient{client: c}, nil
}

// Open launches a plugin binary and returns its embedder plus a close func
// that kills the subprocess.
func Open(path string) (memory.Embedder, func(), error) {
	client := hcplugin.NewClient(&hcplugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path),
		AllowedProtocols: []hcplugin.Protocol{hcplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin handshake with %s: %w", path, err)
	}
	raw, err := rpcClient.Dispense("embedder")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("dispense embedder: %w", err)
	}
	embedder, ok := raw.(memory.Embedder)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin at %s does not provide an embedder", path)
	}
	return embedder, client.Kill, nil
}

// Serve runs an embedder implementation as a plugin process. Plugin binaries
// call this from their main.
func Serve(impl memory.Embedder) {
	hcplugin.Serve(&hcplugin.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hcplugin.Plugin{
			"embedder": &EmbedderPlugin{Impl: impl},
		},
	})
}
