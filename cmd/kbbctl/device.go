package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/fetch"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/session"
	"example.com/kolibri/internal/transport"
)

const connectTimeout = 5 * time.Second

// addrFlags are shared by every command that talks to a flight controller.
type addrFlags struct {
	addr    *string
	baud    *int
	timeout *time.Duration
}

func deviceFlags(fs *flag.FlagSet) addrFlags {
	return addrFlags{
		addr:    fs.String("addr", "", "flight controller address (tcp://host:port or serial:///dev/ttyACM0)"),
		baud:    fs.Int("baud", 115200, "serial baud rate"),
		timeout: fs.Duration("timeout", session.DefaultTimeout, "per-attempt response timeout"),
	}
}

// connect opens a session with background polling turned off so command
// output is not interleaved with pings.
func (a addrFlags) connect(ctx context.Context) *session.Session {
	if *a.addr == "" {
		exitf("required: --addr")
	}
	baud := *a.baud
	s := session.New(session.Options{
		Open: func(address string) (transport.Port, error) {
			return transport.Open(address, transport.WithBaudRate(baud), transport.WithDialTimeout(connectTimeout))
		},
		Timeout:        *a.timeout,
		PingInterval:   -1,
		StatusInterval: -1,
	})
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := s.Connect(cctx, *a.addr); err != nil {
		exitf("connect %s: %v", *a.addr, err)
	}
	return s
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func portsCmd(args []string) {
	fs := flag.NewFlagSet("ports", flag.ExitOnError)
	fs.Parse(args)
	ports, err := transport.List()
	if err != nil {
		exitf("list ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUSB\tVID:PID\tSERIAL\tPRODUCT")
	for _, p := range ports {
		usb := "no"
		ids := ""
		if p.IsUSB {
			usb = "yes"
			ids = p.VID + ":" + p.PID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, usb, ids, p.Serial, p.Product)
	}
	w.Flush()
}

func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	dev := deviceFlags(fs)
	fnName := fs.String("fn", "", "function name or code (e.g. API_VERSION, 0x0001)")
	payloadHex := fs.String("payload", "", "request payload as hex")
	ver := fs.String("version", msp.V2.String(), "protocol version (v1, v2, v2overv1)")
	retries := fs.Int("retries", session.DefaultRetries, "re-sends after the first attempt")
	fs.Parse(args)

	if *fnName == "" {
		exitf("required: --fn")
	}
	fn, err := msp.ParseFn(*fnName)
	if err != nil {
		exitf("%v", err)
	}
	v, err := msp.ParseVersion(*ver)
	if err != nil {
		exitf("%v", err)
	}
	payload, err := hex.DecodeString(strings.ReplaceAll(*payloadHex, " ", ""))
	if err != nil {
		exitf("payload: %v", err)
	}
	opts := session.SendOptions{Version: v, Retries: *retries}
	if *retries <= 0 {
		opts.Retries = session.NoRetry
	}

	ctx, cancel := signalContext()
	defer cancel()
	s := dev.connect(ctx)
	defer s.Disconnect()

	start := time.Now()
	resp, err := s.SendCommand(ctx, fn, payload, opts)
	if err != nil {
		exitf("send %s: %v", fn, err)
	}
	fmt.Printf("%s in %s\n", resp, time.Since(start).Round(time.Microsecond))
	if len(resp.Payload) > 0 {
		fmt.Print(hex.Dump(resp.Payload))
	}
	if resp.Direction == msp.Error {
		os.Exit(1)
	}
}

func pingCmd(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	dev := deviceFlags(fs)
	count := fs.Int("count", 4, "number of pings")
	interval := fs.Duration("interval", 200*time.Millisecond, "delay between pings")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	s := dev.connect(ctx)
	defer s.Disconnect()

	var lost int
	var total time.Duration
	for i := 0; i < *count && ctx.Err() == nil; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		rtt, err := s.Ping(ctx)
		if err != nil {
			lost++
			fmt.Printf("seq=%d %v\n", i, err)
			continue
		}
		total += rtt
		fmt.Printf("seq=%d time=%s\n", i, rtt.Round(time.Microsecond))
	}
	answered := *count - lost
	fmt.Printf("%d sent, %d answered", *count, answered)
	if answered > 0 {
		fmt.Printf(", avg %s", (total / time.Duration(answered)).Round(time.Microsecond))
	}
	fmt.Println()
	if answered == 0 {
		os.Exit(1)
	}
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dev := deviceFlags(fs)
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	s := dev.connect(ctx)
	defer s.Disconnect()

	c := fetch.New(s)
	nums, err := c.ListFiles(ctx)
	if err != nil {
		exitf("list: %v", err)
	}
	if len(nums) == 0 {
		fmt.Println("No recordings")
		return
	}
	infos, err := c.FileInfo(ctx, nums)
	if err != nil {
		exitf("file info: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NUM\tSIZE\tVERSION\tSTART\tDURATION")
	for _, fi := range infos {
		fmt.Fprintf(w, "%d\t%s\t%d.%d.%d\t%s\t%s\n",
			fi.Num,
			common.FormatBytes(int64(fi.Size)),
			fi.Version[0], fi.Version[1], fi.Version[2],
			fi.Start.Format("2006-01-02 15:04:05"),
			fi.Duration.Round(time.Second),
		)
	}
	w.Flush()
}

func downloadCmd(args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	dev := deviceFlags(fs)
	num := fs.Uint("num", 0, "recording number")
	out := fs.String("out", "", "output file")
	progress := fs.Bool("progress", true, "display transfer progress")
	retries := fs.Int("chunk-retries", 4, "re-sends per chunk")
	fs.Parse(args)

	if *out == "" || *num == 0 || *num > 0xFFFF {
		exitf("required: --num (1-65535), --out")
	}

	ctx, cancel := signalContext()
	defer cancel()
	s := dev.connect(ctx)
	defer s.Disconnect()

	c := fetch.New(s)
	c.ChunkRetries = *retries
	c.Metrics = common.NewMetrics()

	f, err := os.Create(*out)
	if err != nil {
		exitf("create: %v", err)
	}
	var stop func()
	if *progress {
		stop = common.StartProgressPrinter(os.Stderr, c.Metrics, 500*time.Millisecond)
	}
	n, err := c.Download(ctx, uint16(*num), f)
	if stop != nil {
		stop()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(*out)
		exitf("download %d: %v", *num, err)
	}
	snap := c.Metrics.Snapshot()
	fmt.Printf("Wrote %s (%s in %s, %d retries)\n", *out, common.FormatBytes(n), snap.Duration.Round(10*time.Millisecond), s.Metrics().Snapshot().Retries)
	sum, _, err := common.Sha256OfFile(*out)
	if err == nil {
		fmt.Println("SHA256:", sum)
	}
}

func eraseCmd(args []string) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	dev := deviceFlags(fs)
	num := fs.Uint("num", 0, "recording number to delete")
	all := fs.Bool("all", false, "format the whole flash")
	fs.Parse(args)

	if (*num == 0) == !*all {
		exitf("exactly one of --num, --all is required")
	}

	ctx, cancel := signalContext()
	defer cancel()
	s := dev.connect(ctx)
	defer s.Disconnect()

	c := fetch.New(s)
	if *all {
		if err := c.Format(ctx); err != nil {
			exitf("format: %v", err)
		}
		fmt.Println("Flash formatted")
		return
	}
	if err := c.Delete(ctx, uint16(*num)); err != nil {
		if errors.Is(err, fetch.ErrRejected) {
			exitf("recording %d not found", *num)
		}
		exitf("delete: %v", err)
	}
	fmt.Printf("Deleted recording %d\n", *num)
}

func settingsCmd(args []string) {
	fs := flag.NewFlagSet("settings", flag.ExitOnError)
	dev := deviceFlags(fs)
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	s := dev.connect(ctx)
	defer s.Disconnect()

	st, err := fetch.New(s).Settings(ctx)
	if err != nil {
		exitf("settings: %v", err)
	}
	fmt.Printf("Divider:  %d\n", st.Divider)
	fmt.Printf("Bitmap:   %#016x\n", st.Flags)
	if names := blackbox.LayoutFor(st.Flags).Names; len(names) > 0 {
		fmt.Printf("Channels: %s\n", strings.Join(names, ", "))
	}
}
