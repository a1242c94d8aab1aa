// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	kvcli put widgets 42 "hello world"        --server http://localhost:8080
//	kvcli get widgets 42                      --server http://localhost:8080
//	kvcli delete widgets 42                   --server http://localhost:8080
//	kvcli put-many widgets 1=foo 2=bar        --server http://localhost:8080
//	kvcli get-many widgets 1 2 3              --server http://localhost:8080
//	kvcli cluster nodes                       --server http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ltransom/datacake/internal/client"
)

var (
	serverAddr  string
	timeout     time.Duration
	consistency string
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "CLI client for the datacake cluster",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Node's HTTP API address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")
	root.PersistentFlags().StringVarP(&consistency, "consistency", "c",
		"", "Consistency level: none, one, local_quorum, quorum, each_quorum, all (default: server's)")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), putManyCmd(), getManyCmd(), delManyCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── put ──────────────────────────────────────────────────────────────────────

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <keyspace> <key> <payload>",
		Short: "Store a key-payload pair in a keyspace",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[1])
			if err != nil {
				return err
			}
			c := client.New(serverAddr, timeout)
			resp, err := c.Put(context.Background(), args[0], key, []byte(args[2]), consistency)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── get ──────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <keyspace> <key>",
		Short: "Retrieve a payload by key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[1])
			if err != nil {
				return err
			}
			c := client.New(serverAddr, timeout)
			resp, err := c.Get(context.Background(), args[0], key)
			if err == client.ErrNotFound {
				fmt.Printf("key %d not found in %q\n", key, args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(string(resp.Payload))
			return nil
		},
	}
}

// ─── delete ───────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <keyspace> <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[1])
			if err != nil {
				return err
			}
			c := client.New(serverAddr, timeout)
			if err := c.Delete(context.Background(), args[0], key, consistency); err != nil {
				return err
			}
			fmt.Printf("deleted %d from %q\n", key, args[0])
			return nil
		},
	}
}

// ─── put-many / get-many / del-many ────────────────────────────────────────────

func putManyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put-many <keyspace> <key=payload>...",
		Short: "Store several key-payload pairs in one call",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]client.BulkItem, 0, len(args)-1)
			for _, pair := range args[1:] {
				parts := strings.SplitN(pair, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid key=payload pair %q", pair)
				}
				key, err := parseKey(parts[0])
				if err != nil {
					return err
				}
				items = append(items, client.BulkItem{Key: key, Payload: []byte(parts[1])})
			}
			c := client.New(serverAddr, timeout)
			out, err := c.PutMany(context.Background(), args[0], items, consistency)
			if err != nil {
				return err
			}
			prettyPrint(out)
			return nil
		},
	}
}

func getManyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-many <keyspace> <key>...",
		Short: "Retrieve several keys in one call",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args[1:])
			if err != nil {
				return err
			}
			c := client.New(serverAddr, timeout)
			docs, err := c.GetMany(context.Background(), args[0], keys)
			if err != nil {
				return err
			}
			prettyPrint(docs)
			return nil
		},
	}
}

func delManyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del-many <keyspace> <key>...",
		Short: "Tombstone several keys in one call",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args[1:])
			if err != nil {
				return err
			}
			c := client.New(serverAddr, timeout)
			out, err := c.DelMany(context.Background(), args[0], keys, consistency)
			if err != nil {
				return err
			}
			prettyPrint(out)
			return nil
		},
	}
}

// ─── cluster ──────────────────────────────────────────────────────────────────

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster management commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "nodes",
		Short: "List all cluster nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.GetRaw(context.Background(), "/cluster/nodes")
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show node and per-keyspace stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.GetRaw(context.Background(), "/stats")
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	})

	joinCmd := &cobra.Command{
		Use:   "join <nodeID> <addr> <dc>",
		Short: "Join a node to the cluster",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			return c.JoinCluster(context.Background(), args[0], args[1], args[2])
		},
	}

	leaveCmd := &cobra.Command{
		Use:   "leave <nodeID>",
		Short: "Remove a node from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			return c.LeaveCluster(context.Background(), args[0])
		},
	}

	cmd.AddCommand(joinCmd, leaveCmd)
	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseKey(s string) (uint64, error) {
	key, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q: must be a uint64", s)
	}
	return key, nil
}

func parseKeys(args []string) ([]uint64, error) {
	keys := make([]uint64, len(args))
	for i, a := range args {
		key, err := parseKey(a)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
