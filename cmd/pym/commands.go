package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/console"
	"github.com/urfave/cli/v2"

	"github.com/wybiral/pymote/pkg/pyconn"
	"github.com/wybiral/pymote/pkg/pyvalue"
	"github.com/wybiral/pymote/pkg/session"
)

// connect parses ctx's --device flag, opens a Transport via pyconn, and
// returns a connected Session together with a cancel func the caller
// must defer.
func connect(ctx *cli.Context) (*session.Session, context.Context, context.CancelFunc, error) {
	log := slog.Default()
	t, err := pyconn.Open(ctx.String("device"), log)
	if err != nil {
		return nil, nil, nil, err
	}
	opts := []session.Option{session.WithLogger(log)}
	if d := ctx.Duration("timeout"); d > 0 {
		opts = append(opts, session.WithDefaultTimeout(d))
	}
	s := session.New(t, opts...)
	bg := context.Background()
	cctx, cancel := context.WithCancel(bg)
	if err := s.Connect(cctx); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return s, cctx, cancel, nil
}

func cmdCat(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	data, err := s.ReadFile(cctx, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdCd(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	return s.Cd(cctx, ctx.Args().Get(0))
}

func cmdGet(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	args := ctx.Args()
	dst := args.Get(0)
	src := dst
	if args.Len() > 1 {
		src = args.Get(1)
	}
	data, err := s.ReadFile(cctx, src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func cmdHelp(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Present() {
		cli.ShowCommandHelp(ctx, args.First())
		return nil
	}
	cli.ShowAppHelp(ctx)
	return nil
}

func cmdLs(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	path := ctx.Args().Get(0)
	if path == "" {
		path = "."
	}
	files, err := s.ListFiles(cctx, path)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}

func cmdMkdir(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	return s.Mkdir(cctx, ctx.Args().Get(0))
}

func cmdPut(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	args := ctx.Args()
	dst := args.Get(0)
	src := dst
	if args.Len() > 1 {
		src = args.Get(1)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return s.WriteFileTransactional(cctx, dst, data)
}

func cmdPwd(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	dir, err := s.Pwd(cctx)
	if err != nil {
		return err
	}
	fmt.Println(dir)
	return nil
}

func cmdReboot(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	return s.SoftReboot(cctx)
}

// cmdRepl opens a raw passthrough terminal directly against the
// device's Friendly REPL, bypassing Session/Engine entirely: a human
// at the keyboard wants MicroPython's interactive prompt, not framed
// execution results.
func cmdRepl(ctx *cli.Context) error {
	log := slog.Default()
	t, err := pyconn.Open(ctx.String("device"), log)
	if err != nil {
		return err
	}
	bg := context.Background()
	if err := t.Open(bg); err != nil {
		return err
	}
	defer t.Close()
	current := console.Current()
	defer current.Reset()
	if err := current.SetRaw(); err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := t.Read(bg, buf)
			if n > 0 {
				os.Stdout.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := t.WriteAll(bg, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func cmdRm(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	return s.DeleteFile(cctx, ctx.Args().Get(0))
}

func cmdRmdir(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	return s.Rmdir(cctx, ctx.Args().Get(0))
}

func cmdUpload(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)

	localRoot := ctx.Args().Get(0)
	if localRoot == "" {
		return fmt.Errorf("upload requires a local directory")
	}
	remoteRoot := ctx.Args().Get(1)
	if remoteRoot == "" {
		remoteRoot = "."
	}

	madeDirs := map[string]bool{}
	return filepath.Walk(localRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localRoot, path)
		if err != nil {
			return err
		}
		remotePath := filepath.ToSlash(filepath.Join(remoteRoot, rel))
		dir := filepath.ToSlash(filepath.Dir(remotePath))
		if dir != "." && !madeDirs[dir] {
			_ = s.Mkdir(cctx, dir)
			madeDirs[dir] = true
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fmt.Println(remotePath)
		return s.WriteFile(cctx, remotePath, data)
	})
}

func cmdRun(ctx *cli.Context) error {
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)
	code := strings.Join(ctx.Args().Slice(), " ")
	result, err := s.Execute(cctx, code)
	if err != nil {
		return err
	}
	if len(result) > 0 {
		fmt.Println(string(result))
	}
	return nil
}

// cmdCall calls a device-side function by name, rendering each bare
// positional argument as a Python literal via literalFromCLIArg and
// executing method(args...) directly. It does not consult a dispatch
// Operation table; callers that need one build it in process.
func cmdCall(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() == 0 {
		return fmt.Errorf("call requires a method name")
	}
	method := args.Get(0)
	parts := make([]string, 0, args.Len())
	for i := 1; i < args.Len(); i++ {
		parts = append(parts, args.Get(i))
	}
	s, cctx, cancel, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.Disconnect(cctx)

	rendered := make([]string, 0, len(parts))
	for _, p := range parts {
		lit, err := literalFromCLIArg(p)
		if err != nil {
			return err
		}
		rendered = append(rendered, lit)
	}
	code := fmt.Sprintf("%s(%s)", method, strings.Join(rendered, ", "))
	result, err := s.Execute(cctx, code)
	if err != nil {
		return err
	}
	if len(result) > 0 {
		fmt.Println(string(result))
	}
	return nil
}

// literalFromCLIArg guesses a Python literal for a bare CLI token:
// int, float, bool, or (falling back) a quoted string.
func literalFromCLIArg(tok string) (string, error) {
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return pyvalue.Encode(n)
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return pyvalue.Encode(f)
	}
	if tok == "true" || tok == "True" {
		return pyvalue.Encode(true)
	}
	if tok == "false" || tok == "False" {
		return pyvalue.Encode(false)
	}
	return pyvalue.Encode(tok)
}
