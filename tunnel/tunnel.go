// Package tunnel wires a config.Link's forwarding role to a mux.Mux:
// the client side accepts local application connections and forwards each
// into a new tunnel stream, the server side accepts tunnel streams and
// forwards each to a fixed backend address. It replaces the HTTP-routing
// dispatch modes of the forwarder this project started from with the one
// mode a symmetric reliable tunnel needs.
package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"fectun/config"
	"fectun/mux"
	"fectun/relconn"
)

// ServeClient accepts connections on link.Listen and forwards each to a new
// tunnel stream dialed on m.
func ServeClient(link *config.Link, m *mux.Mux, wg *sync.WaitGroup, log *zap.Logger) {
	defer wg.Done()

	listener, err := net.Listen("tcp", link.Listen)
	if err != nil {
		log.Error("failed to listen", zap.String("link", link.Name), zap.String("addr", link.Listen), zap.Error(err))
		return
	}
	log.Info("listening", zap.String("link", link.Name), zap.String("addr", link.Listen))

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Error("accept failed", zap.String("link", link.Name), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		stream := m.Dial()
		go forward(conn, stream, link.Name, log)
	}
}

// ServeServer accepts tunnel streams from m and forwards each to
// link.Target.
func ServeServer(link *config.Link, m *mux.Mux, wg *sync.WaitGroup, log *zap.Logger) {
	defer wg.Done()

	ctx := context.Background()
	for {
		stream, err := m.Accept(ctx)
		if err != nil {
			log.Error("mux accept failed", zap.String("link", link.Name), zap.Error(err))
			return
		}
		target, err := net.Dial("tcp", link.Target)
		if err != nil {
			log.Error("unable to reach target, dropping stream",
				zap.String("link", link.Name), zap.String("target", link.Target), zap.Error(err))
			stream.Reset()
			continue
		}
		go forward(target, stream, link.Name, log)
	}
}

// forward pipes bytes between an application net.Conn and a tunnel stream
// in both directions, the streamed-forwarder analogue of an io.Copy pair.
func forward(conn net.Conn, stream *relconn.Conn, linkName string, log *zap.Logger) {
	defer conn.Close()
	defer stream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyConnToStream(stream, conn, linkName, log)
	}()
	go func() {
		defer wg.Done()
		copyStreamToConn(conn, stream, linkName, log)
	}()
	wg.Wait()
}

func copyConnToStream(stream *relconn.Conn, conn net.Conn, linkName string, log *zap.Logger) {
	buf := make([]byte, 32*1024)
	ctx := context.Background()
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if serr := stream.Send(ctx, buf[:n]); serr != nil {
				log.Debug("stream send failed", zap.String("link", linkName), zap.Error(serr))
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("application read failed", zap.String("link", linkName), zap.Error(err))
			}
			return
		}
	}
}

func copyStreamToConn(conn net.Conn, stream *relconn.Conn, linkName string, log *zap.Logger) {
	ctx := context.Background()
	for {
		b, ok := stream.Recv(ctx)
		if !ok {
			return
		}
		if _, err := conn.Write(b); err != nil {
			log.Debug("application write failed", zap.String("link", linkName), zap.Error(err))
			return
		}
	}
}
