package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"drmcore/internal/config"
	"drmcore/internal/core/domain"
	"drmcore/internal/device"
	"drmcore/internal/manager"
	"drmcore/internal/metrics"
)

const usage = `Usage: drmctl <command> [arguments]

Commands:
  setup                          create the S3 rights bucket and print the caller identity
  device                         print this device's fingerprint
  convert <input> <output> [mime] seal a plaintext file and install its rights
  read <sealed> <output>         decrypt a sealed file
  status <path>                  show rights status and constraints
  remove <path> | --all          revoke rights for a path or for every file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(2)
	}

	cfgPath := os.Getenv("DRM_CONFIG")
	if cfgPath == "" {
		cfgPath = "drm.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "setup":
		err = setup(ctx, cfg)
	case "device":
		err = printDevice(cfg)
	case "convert", "read", "status", "remove":
		err = withClient(ctx, cfg, func(c *manager.Client) error {
			switch cmd {
			case "convert":
				return convertFile(ctx, c, args)
			case "read":
				return readFile(ctx, c, args)
			case "status":
				return status(ctx, c, args)
			default:
				return remove(ctx, c, args)
			}
		})
	default:
		fmt.Print(usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// withClient runs fn as the first client of a fresh manager. Rights are
// keyed by client id, so every invocation acts as the same client.
func withClient(ctx context.Context, cfg config.Config, fn func(*manager.Client) error) error {
	reg := prometheus.NewRegistry()
	m, err := manager.FromConfig(ctx, cfg, metrics.New(reg))
	if err != nil {
		return err
	}
	defer m.Close()

	c := manager.NewClient(m)
	err = fn(c)
	c.Close(ctx)
	if err == nil {
		printMetrics(os.Stdout, reg)
	}
	return err
}

// printMetrics prints every non-zero sample the run recorded.
func printMetrics(w io.Writer, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		log.Printf("Warning: Unable to gather metrics: %v", err)
		return
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			if value == 0 {
				continue
			}
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			lines = append(lines, fmt.Sprintf("  %s: %g", name, value))
		}
	}
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(w, "\nMetrics:")
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func printDevice(cfg config.Config) error {
	info, err := device.New(cfg.AppID).DeviceInfo()
	if err != nil {
		return fmt.Errorf("failed to get device info: %w", err)
	}
	fmt.Printf("Device Info:\n")
	fmt.Printf("  ID: %s\n", info.DeviceID)
	fmt.Printf("  Hardware Hash: %s\n", info.HardwareHash)
	fmt.Printf("  Platform: %s\n", info.Platform)
	for k, v := range info.Fingerprint {
		fmt.Printf("  %s: %s\n", k, v)
	}
	return nil
}

func convertFile(ctx context.Context, c *manager.Client, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: convert <input> <output> [mime]")
	}
	mime := "application/octet-stream"
	if len(args) > 2 {
		mime = args[2]
	}

	input, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer input.Close()
	output, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer output.Close()

	cid, err := c.OpenConvertSession(ctx, mime)
	if err != nil {
		return err
	}

	start := time.Now()
	written, err := c.ConvertStream(ctx, cid, input, output)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	fmt.Printf("Sealed %s -> %s in %v\n", args[0], args[1], duration)
	fmt.Printf("Total Bytes: %d\n", written)
	fmt.Printf("Processing Rate: %.2f MB/s\n", float64(written)/(1024*1024*duration.Seconds()))
	return nil
}

func readFile(ctx context.Context, c *manager.Client, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: read <sealed> <output>")
	}
	h, err := c.OpenDecryptURI(ctx, args[0])
	if err != nil {
		return err
	}
	defer c.CloseDecryptSession(ctx, h.ID)

	if err := c.ConsumeRights(ctx, h.ID, domain.ActionPlay, false); err != nil {
		return err
	}

	output, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer output.Close()

	start := time.Now()
	written, err := io.Copy(output, io.NewSectionReader(c.Reader(ctx, h.ID), 0, 1<<62))
	if err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}
	duration := time.Since(start)
	fmt.Printf("Decrypted %s (%s) in %v\n", args[0], h.MimeType, duration)
	fmt.Printf("Bytes written: %d\n", written)
	return nil
}

func status(ctx context.Context, c *manager.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: status <path>")
	}
	p := args[0]
	if !c.CanHandle(ctx, p, "") {
		fmt.Printf("%s is not protected content\n", p)
		return nil
	}
	st, err := c.CheckRightsStatus(ctx, p, domain.ActionPlay)
	if err != nil {
		return err
	}
	mime, err := c.OriginalMimeType(ctx, p)
	if err != nil {
		return err
	}
	constraints, err := c.Constraints(ctx, p, domain.ActionPlay)
	if err != nil {
		return err
	}

	fmt.Printf("Path: %s\n", p)
	fmt.Printf("Original type: %s\n", mime)
	fmt.Printf("Rights: %s\n", st)
	for k, v := range constraints {
		fmt.Printf("  %s: %s\n", k, v)
	}
	return nil
}

func remove(ctx context.Context, c *manager.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: remove <path> | --all")
	}
	if strings.TrimSpace(args[0]) == "--all" {
		if err := c.RemoveAllRights(ctx); err != nil {
			return err
		}
		fmt.Println("Removed all rights")
		return nil
	}
	if err := c.RemoveRights(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed rights for %s\n", args[0])
	return nil
}
