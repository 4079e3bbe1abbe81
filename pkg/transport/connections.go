// Package transport opens the gRPC connections used to reach event log nodes.
package transport

import (
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// SetupConnections creates one client connection per node address. Without
// options the connections use insecure transport credentials. The returned
// function closes every connection.
func SetupConnections(nodeAddrs []string, opts ...grpc.DialOption) ([]*grpc.ClientConn, func() error, error) {
	if len(nodeAddrs) == 0 {
		return nil, nil, errors.New("transport: no node addresses")
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conns := make([]*grpc.ClientConn, len(nodeAddrs))
	for i, addr := range nodeAddrs {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			err = fmt.Errorf("transport: connect to %s: %w", addr, err)
			err = errors.Join(err, closeAll(conns[:i]))
			return nil, nil, err
		}
		conns[i] = conn
	}

	return conns, func() error { return closeAll(conns) }, nil
}

func closeAll(conns []*grpc.ClientConn) error {
	var err error
	for i, conn := range conns {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close node %d connection: %w", i, cerr))
		}
	}
	return err
}
