// Command sddms-cli is a tiny interactive client for one site, in the
// spirit of the teacher's cmd/laura-cli: a banner, a read-eval-print loop
// over bufio.Scanner, and a handful of commands layered on top of the
// client-facing RPC surface instead of an in-process database handle.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mnohosten/sddms/pkg/executor"
	"github.com/mnohosten/sddms/pkg/proto"
)

const (
	version = "0.1.0"
	banner  = `
SDDMS CLI v%s
Connected to %s

Type 'help' for available commands
Type 'exit' or 'quit' to leave

`
)

func main() {
	siteURL := flag.String("site", "http://localhost:9100", "base URL of the site to connect to")
	flag.Parse()

	cli, err := newCLI(*siteURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", *siteURL, err)
		os.Exit(1)
	}
	if err := cli.run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	client        *executor.Client
	siteURL       string
	clientID      uint64
	transactionID uint64
	inTxn         bool
	scanner       *bufio.Scanner
}

func newCLI(siteURL string) (*cli, error) {
	client := executor.NewClient(siteURL, nil)
	clientID, err := client.RegisterClient(context.Background(), "cli", 0)
	if err != nil {
		return nil, fmt.Errorf("register_client failed: %w", err)
	}
	return &cli{
		client:  client,
		siteURL: siteURL,
		clientID: clientID,
		scanner: bufio.NewScanner(os.Stdin),
	}, nil
}

func (c *cli) run() error {
	fmt.Printf(banner, version, c.siteURL)

	for {
		fmt.Print(c.prompt())
		if !c.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" {
			continue
		}
		if err := c.execute(line); err != nil {
			if err.Error() == "exit" {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Printf("Error: %v\n", err)
		}
	}
	return c.scanner.Err()
}

func (c *cli) prompt() string {
	if c.inTxn {
		return fmt.Sprintf("sddms[txn %d]> ", c.transactionID)
	}
	return "sddms> "
}

func (c *cli) execute(line string) error {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "help", "?":
		c.showHelp()
		return nil
	case "exit", "quit":
		return fmt.Errorf("exit")
	case "begin":
		return c.begin(strings.TrimSpace(strings.TrimPrefix(line, fields[0])))
	case "commit":
		return c.finalize(proto.Commit)
	case "abort":
		return c.finalize(proto.Abort)
	default:
		return c.query(line)
	}
}

func (c *cli) showHelp() {
	fmt.Print(`
SDDMS CLI commands:

  begin [name]             Start a new transaction
  commit                   Commit the current transaction
  abort                    Roll back the current transaction
  <sql statement>          Run one statement inside the current transaction,
                           or as its own single-statement transaction if
                           none is open (INSERT/SELECT/UPDATE/DELETE)
  help, ?                  Show this help message
  exit, quit               Leave the CLI

Examples:
  begin
  INSERT INTO students(id, name) VALUES (1, 'Ada')
  SELECT * FROM students
  commit
`)
}

func (c *cli) begin(name string) error {
	if c.inTxn {
		return fmt.Errorf("transaction %d is already open; commit or abort it first", c.transactionID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := c.client.BeginTransaction(ctx, c.clientID, name)
	if err != nil {
		return err
	}
	c.transactionID = id
	c.inTxn = true
	fmt.Printf("started transaction %d\n", id)
	return nil
}

func (c *cli) finalize(mode proto.FinalizeMode) error {
	if !c.inTxn {
		return fmt.Errorf("no open transaction")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.FinalizeTransaction(ctx, c.clientID, c.transactionID, mode)
	c.inTxn = false
	if err != nil {
		return err
	}
	fmt.Printf("transaction %d finalized (%s)\n", c.transactionID, mode)
	return nil
}

func (c *cli) query(stmt string) error {
	table, write := tableAndMode(stmt)
	if table == "" {
		return fmt.Errorf("could not determine the table name in: %s", stmt)
	}

	req := proto.InvokeQueryRequest{
		ClientID:      c.clientID,
		TransactionID: c.transactionID,
		Query:         stmt,
		SingleStmtTxn: !c.inTxn,
	}
	if write {
		req.WriteSet = []string{table}
	} else {
		req.ReadSet = []string{table}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := c.client.InvokeQuery(ctx, req)
	if err != nil {
		return err
	}

	if len(resp.ColumnNames) > 0 {
		fmt.Println(strings.Join(resp.ColumnNames, "\t"))
		for _, row := range resp.DataPayload {
			values := make([]string, len(resp.ColumnNames))
			for i, col := range resp.ColumnNames {
				values[i] = fmt.Sprintf("%v", row[col])
			}
			fmt.Println(strings.Join(values, "\t"))
		}
	}
	if resp.AffectedRecords > 0 {
		fmt.Printf("%d row(s) affected\n", resp.AffectedRecords)
	}
	return nil
}

// tableAndMode extracts the single table name a statement touches and
// whether it's a write, recognizing the same statement shapes the embedded
// engine parses: INSERT INTO, SELECT ... FROM, UPDATE, DELETE FROM.
func tableAndMode(stmt string) (table string, write bool) {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return "", false
	}
	switch strings.ToUpper(fields[0]) {
	case "INSERT":
		if len(fields) >= 3 && strings.EqualFold(fields[1], "INTO") {
			return stripParen(fields[2]), true
		}
	case "UPDATE":
		if len(fields) >= 2 {
			return fields[1], true
		}
	case "DELETE":
		if len(fields) >= 3 && strings.EqualFold(fields[1], "FROM") {
			return stripParen(fields[2]), true
		}
	case "SELECT":
		for i, f := range fields {
			if strings.EqualFold(f, "FROM") && i+1 < len(fields) {
				return stripParen(fields[i+1]), false
			}
		}
	}
	return "", false
}

func stripParen(s string) string {
	if i := strings.IndexByte(s, '('); i >= 0 {
		return s[:i]
	}
	return s
}
