// Package main implements kvctl, a small client for the kvring binary
// protocol.
//
// One-shot usage:
//
//	kvctl --addr 127.0.0.1:7000 put user:1001 '{"name":"N"}'
//	kvctl --addr 127.0.0.1:7000 get user:1001
//	kvctl --addr 127.0.0.1:7000 delete user:1001
//	kvctl --addr 127.0.0.1:7000 info
//
// Without a command, kvctl opens an interactive prompt over one
// connection.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/dreamware/kvring/internal/cluster"
	"github.com/dreamware/kvring/internal/config"
	"github.com/dreamware/kvring/internal/protocol"
)

func main() {
	fs := flag.NewFlagSet("kvctl", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:7000", "node address host:port")
	_ = fs.Parse(os.Args[1:])

	host, port, err := config.ParseSeed(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --addr: %v\n", err)
		os.Exit(1)
	}

	client := cluster.NewClient(host, port)
	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	args := fs.Args()
	if len(args) == 0 {
		repl(client)
		return
	}
	if err := runCommand(client, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func repl(client *cluster.Client) {
	fmt.Println("kvring client — commands: put <key> <value> | get <key> | delete <key> | info | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		if err := runCommand(client, fields); err != nil {
			fmt.Println(err)
		}
	}
}

func runCommand(client *cluster.Client, args []string) error {
	switch args[0] {
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: put <key> <value>")
		}
		resp, err := client.Put(args[1], args[2])
		if err != nil {
			return err
		}
		return printStatus(resp)
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		resp, err := client.Get(args[1])
		if err != nil {
			return err
		}
		return printValue(resp)
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: delete <key>")
		}
		resp, err := client.Delete(args[1])
		if err != nil {
			return err
		}
		return printStatus(resp)
	case "info":
		resp, err := client.ClusterInfo()
		if err != nil {
			return err
		}
		return printClusterInfo(resp)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printStatus(resp *protocol.Buffer) error {
	status, err := resp.ReadUint8()
	if err != nil {
		return err
	}
	switch protocol.StatusCode(status) {
	case protocol.StatusOK:
		fmt.Println("OK")
	case protocol.StatusNotFound:
		fmt.Println("NOT_FOUND")
	case protocol.StatusError:
		msg, _ := resp.ReadString()
		fmt.Printf("ERROR: %s\n", msg)
	}
	return nil
}

func printValue(resp *protocol.Buffer) error {
	status, err := resp.ReadUint8()
	if err != nil {
		return err
	}
	switch protocol.StatusCode(status) {
	case protocol.StatusOK:
		value, err := resp.ReadString()
		if err != nil {
			return err
		}
		ts, err := resp.ReadUint64()
		if err != nil {
			return err
		}
		origin, err := resp.ReadString()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t(ts=%d origin=%s)\n", value, ts, origin)
	case protocol.StatusNotFound:
		fmt.Println("NOT_FOUND")
	case protocol.StatusError:
		msg, _ := resp.ReadString()
		fmt.Printf("ERROR: %s\n", msg)
	}
	return nil
}

func printClusterInfo(resp *protocol.Buffer) error {
	status, err := resp.ReadUint8()
	if err != nil {
		return err
	}
	if protocol.StatusCode(status) != protocol.StatusOK {
		msg, _ := resp.ReadString()
		return fmt.Errorf("ERROR: %s", msg)
	}
	count, err := resp.ReadUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		id, err := resp.ReadString()
		if err != nil {
			return err
		}
		host, err := resp.ReadString()
		if err != nil {
			return err
		}
		port, err := resp.ReadUint16()
		if err != nil {
			return err
		}
		alive, err := resp.ReadBool()
		if err != nil {
			return err
		}
		state := "alive"
		if !alive {
			state = "dead"
		}
		fmt.Printf("%s\t%s:%d\t%s\n", id, host, port, state)
	}
	size, err := resp.ReadUint64()
	if err != nil {
		return err
	}
	fmt.Printf("local keys: %d\n", size)
	return nil
}
