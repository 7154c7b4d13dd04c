package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"kodu/internal/client"
	"kodu/pkg/model"
)

const usage = `usage: kodu-cli [-master URL] <command> [args]

commands:
  create -name N -file F -func FN [-direction minimize[,maximize...]]
  list
  get NAME
  activate NAME
  pause NAME
  upload NAME ZIP
  nodes
  logs NODE_ID`

func main() {
	// --- 1. 全局参数 ---
	master := flag.String("master", envOr("KODU_MASTER", "http://localhost:8000"), "master base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := client.New(*master, *timeout, zap.NewNop())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 2. 分发子命令 ---
	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "create":
		err = create(ctx, c, args)
	case "list":
		err = list(ctx, c)
	case "get":
		err = withName(args, func(name string) error {
			st, err := c.GetStudy(ctx, name)
			if err == nil {
				printStudies([]model.Study{st})
			}
			return err
		})
	case "activate":
		err = withName(args, func(name string) error {
			st, err := c.ActivateStudy(ctx, name)
			if err == nil {
				fmt.Printf("✅ Study %s is %s\n", st.Name, st.State)
			}
			return err
		})
	case "pause":
		err = withName(args, func(name string) error {
			st, err := c.PauseStudy(ctx, name)
			if err == nil {
				fmt.Printf("⏸  Study %s is %s\n", st.Name, st.State)
			}
			return err
		})
	case "upload":
		err = upload(ctx, c, args)
	case "nodes":
		err = nodes(ctx, c)
	case "logs":
		err = withName(args, func(id string) error {
			return c.StreamLogs(ctx, id, func(line string) { fmt.Println(line) })
		})
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("❌ %s: %v", cmd, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func withName(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one argument")
	}
	return fn(args[0])
}

func create(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "study name")
	file := fs.String("file", "objective.py", "objective file inside the codebase")
	fn := fs.String("func", "objective", "objective function name")
	direction := fs.String("direction", "minimize", "comma separated directions, one per objective")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var dirs []model.Direction
	for _, d := range strings.Split(*direction, ",") {
		dirs = append(dirs, model.Direction(strings.TrimSpace(d)))
	}
	st, err := c.CreateStudy(ctx, model.CreateStudyRequest{
		Name:              *name,
		Direction:         dirs,
		ObjectiveFile:     *file,
		ObjectiveFunction: *fn,
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Study created: %s\n", st.Name)
	fmt.Println("💡 Upload the code and start it with:")
	fmt.Printf("   kodu-cli upload %s code.zip && kodu-cli activate %s\n", st.Name, st.Name)
	return nil
}

func list(ctx context.Context, c *client.Client) error {
	studies, err := c.ListStudies(ctx)
	if err != nil {
		return err
	}
	printStudies(studies)
	return nil
}

func printStudies(studies []model.Study) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tDIRECTION\tOBJECTIVE\tCREATED")
	for _, st := range studies {
		dirs := make([]string, len(st.Direction))
		for i, d := range st.Direction {
			dirs[i] = string(d)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%s\t%s\n", st.Name, st.State, strings.Join(dirs, ","),
			st.ObjectiveFile, st.ObjectiveFunction, st.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func upload(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected NAME and ZIP")
	}
	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := c.UploadCodebase(ctx, args[0], f); err != nil {
		return err
	}
	fmt.Printf("📦 Codebase uploaded for %s\n", args[0])
	return nil
}

func nodes(ctx context.Context, c *client.Client) error {
	all, err := c.ListNodes(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTRIAL\tCPU\tMEMORY(GB)\tLAST PING")
	for _, n := range all {
		trial := "-"
		if n.CurrentTrial != nil {
			trial = fmt.Sprint(*n.CurrentTrial)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1f\t%s\n", n.ID, n.Status, trial,
			n.Capabilities.CPUCount, n.Capabilities.MemoryGB, n.LastPing.Format(time.RFC3339))
	}
	return w.Flush()
}
