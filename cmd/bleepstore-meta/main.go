// Package main is the entry point for bleepstore-meta, the offline
// companion to the bleepstore gateway daemon: metadata export/import,
// credential seeding, and a thin CLI client for the admin HTTP surface
// (so operators don't need curl for routine tasks).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/s3gwd/s3gw/internal/config"
	"github.com/s3gwd/s3gw/internal/kvcluster"
	"github.com/s3gwd/s3gw/internal/metadata"
	"github.com/s3gwd/s3gw/internal/serialization"
	"github.com/s3gwd/s3gw/internal/store"
	"github.com/s3gwd/s3gw/internal/uid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var rc int
	switch command {
	case "export":
		rc = runExport(args)
	case "import":
		rc = runImport(args)
	case "seed-user":
		rc = runSeedUser(args)
	case "admin":
		rc = runAdmin(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		usage()
		rc = 1
	}
	os.Exit(rc)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: bleepstore-meta <command> [flags]

Commands:
  export      dump meta-table rows as JSON
  import      load meta-table rows from a JSON export
  seed-user   create a credential record directly in the meta table
  admin       thin client for the gateway's admin HTTP surface`)
}

// openMetaTable opens the meta-table kvcluster.Table named by the loaded
// config's metadata.engine, exactly as cmd/bleepstore does at startup. This
// CLI never touches the data table: export/import and seed-user only read
// and write the meta table.
func openMetaTable(ctx context.Context, configPath string) (kvcluster.Table, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	var meta kvcluster.Table
	switch cfg.Metadata.Engine {
	case "memory":
		meta = metadata.NewMemoryStore()
	case "local":
		meta, err = metadata.NewLocalStore(&cfg.Metadata.Local)
	case "dynamodb":
		meta, err = metadata.NewDynamoDBStore(&cfg.Metadata.DynamoDB)
	case "firestore":
		meta, err = metadata.NewFirestoreStore(ctx, &cfg.Metadata.Firestore)
	case "cosmos":
		meta, err = metadata.NewCosmosStore(ctx, &cfg.Metadata.Cosmos)
	default:
		meta, err = metadata.NewSQLiteStore(cfg.Metadata.SQLite.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening meta table (engine %q): %w", cfg.Metadata.Engine, err)
	}
	return meta, cfg, nil
}

func runExport(args []string) int {
	ctx := context.Background()
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "path to configuration file")
	output := fs.String("output", "-", "output file path (- for stdout)")
	fs.Parse(args)

	meta, _, err := openMetaTable(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer meta.Close()

	result, err := serialization.ExportMetadata(ctx, meta, kvcluster.DefaultPartitionCount, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
		return 0
	}
	if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	ctx := context.Background()
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "path to configuration file")
	input := fs.String("input", "-", "input file path (- for stdin)")
	replace := fs.Bool("replace", false, "delete existing rows in touched partitions before importing")
	fs.Parse(args)

	meta, _, err := openMetaTable(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer meta.Close()

	var jsonData []byte
	if *input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportMetadata(ctx, meta, kvcluster.DefaultPartitionCount, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "imported: %d rows", result.Imported)
	if result.Replaced > 0 {
		fmt.Fprintf(os.Stderr, ", replaced: %d rows", result.Replaced)
	}
	fmt.Fprintln(os.Stderr)
	return 0
}

// runSeedUser writes a credential record directly into the meta table,
// bypassing the admin HTTP surface entirely — useful for bootstrapping a
// fresh deployment before the gateway daemon is even running.
func runSeedUser(args []string) int {
	ctx := context.Background()
	fs := flag.NewFlagSet("seed-user", flag.ExitOnError)
	configPath := fs.String("config", "bleepstore.yaml", "path to configuration file")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: bleepstore-meta seed-user [-config path] <display-name>")
		return 1
	}
	name := rest[0]

	meta, _, err := openMetaTable(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer meta.Close()

	cluster := kvcluster.NewCluster(meta, meta, kvcluster.DefaultPartitionCount)
	st := store.New(cluster)
	defer st.Close()

	u := &store.User{
		UserID:      name,
		DisplayName: name,
		AccessKeyID: uid.AccessKeyID(),
		SecretKey:   uid.SecretKey(),
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.AddUser(ctx, u); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating user: %v\n", err)
		return 1
	}

	fmt.Printf("access_key: %s\nsecret_key: %s\n", u.AccessKeyID, u.SecretKey)
	return 0
}

// runAdmin is a thin HTTP client for the five admin routes exposed by
// Server.AdminPort (internal/server/admin.go), so routine operational tasks
// don't require curl.
func runAdmin(args []string) int {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:9090", "admin surface base URL")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: bleepstore-meta admin [-addr url] <list-users|put-user <name>|status|update-bucket-vol|reset-status>")
		return 1
	}

	client := &http.Client{Timeout: 10 * time.Second}

	switch rest[0] {
	case "list-users":
		return adminGet(client, *addr+"/admin_list_users")
	case "put-user":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: bleepstore-meta admin put-user <name>")
			return 1
		}
		req, err := http.NewRequest(http.MethodPut, *addr+"/admin_put_user/"+rest[1], nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return adminDo(client, req)
	case "status":
		return adminGet(client, *addr+"/status")
	case "update-bucket-vol":
		return adminOptions(client, *addr+"/update_bucket_vol")
	case "reset-status":
		return adminOptions(client, *addr+"/reset_status")
	default:
		fmt.Fprintf(os.Stderr, "Unknown admin subcommand: %s\n", rest[0])
		return 1
	}
}

func adminGet(client *http.Client, url string) int {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return adminDo(client, req)
}

func adminOptions(client *http.Client, url string) int {
	req, err := http.NewRequest(http.MethodOptions, url, bytes.NewReader(nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return adminDo(client, req)
}

func adminDo(client *http.Client, req *http.Request) int {
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "admin request failed: %s\n%s\n", resp.Status, body)
		return 1
	}
	if len(body) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, body, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(body))
		}
	}
	return 0
}
