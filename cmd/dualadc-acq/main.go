// Command dualadc-acq exercises the public API end to end: open a board's
// register files, arm it, run one of the two streaming recording engines
// (ping-pong or chained) or dump onboard RAM, and
// report status, driving the library from the command line instead of
// from a test binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	dualadc "github.com/scopeware/dualadc"
	"github.com/scopeware/dualadc/internal/dmabuf"
	"github.com/scopeware/dualadc/internal/regio"
	"github.com/scopeware/dualadc/record"
)

var (
	deviceNode   string
	deviceReg    string
	dmaReg       string
	configReg    string
	outputPath   string
	outputPathB  string
	totalSamples int64
	perTransfer  int
	asText       bool
	deinterleave bool
	deepBuffering  bool
	saveTimestamps bool
	tsPath         string
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	root := &cobra.Command{
		Use:   "dualadc-acq",
		Short: "arm and record from a dual-channel acquisition board",
	}
	root.PersistentFlags().StringVar(&deviceNode, "device-node", "", "kernel driver device node; overrides the register-file flags")
	root.PersistentFlags().StringVar(&deviceReg, "device-regs", "", "path to the Device bank register file")
	root.PersistentFlags().StringVar(&dmaReg, "dma-regs", "", "path to the DMA bank register file")
	root.PersistentFlags().StringVar(&configReg, "config-regs", "", "path to the Config bank register file")

	root.AddCommand(newRecordCmd(log))
	root.AddCommand(newStatusCmd(log))
	root.AddCommand(newDumpCmd(log))

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func openSession(log *logrus.Entry) (*dualadc.Session, error) {
	var board *dualadc.Board
	var err error
	if deviceNode != "" {
		board, err = dualadc.OpenKernelBoard(deviceNode, log)
	} else {
		files := dualadc.RegisterFiles{
			regio.Device: {Path: deviceReg, Size: 0x15 * 4},
			regio.DMA:    {Path: dmaReg, Size: 8 * 4},
			regio.Config: {Path: configReg, Size: 16 * 4},
		}
		board, err = dualadc.OpenLocalBoard(files, log)
	}
	if err != nil {
		return nil, err
	}
	dualadc.Register(board)
	return dualadc.Open(board, 0)
}

func newStatusCmd(log *logrus.Entry) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the board's current acquisition state",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(log)
			if err != nil {
				return err
			}
			defer sess.Close()
			fmt.Println(sess.Board.State.State())
			return nil
		},
	}
}

func newDumpCmd(log *logrus.Entry) *cobra.Command {
	var (
		startSample int
		dumpSamples int
		dumpOut     string
		dumpDeint   bool
		dumpOutB    string
	)
	c := &cobra.Command{
		Use:   "dump",
		Short: "read a range of onboard RAM to a binary file",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(log)
			if err != nil {
				return err
			}
			defer sess.Close()
			if _, err := sess.Board.AllocateScratch(xferScratchBytes); err != nil {
				return err
			}

			dev := dualadc.NewHWDevice(sess, log)
			req := dualadc.BufferedRead{
				StartSample:  startSample,
				SampleCount:  dumpSamples,
				Deinterleave: dumpDeint,
				SetRegion:    true,
			}
			var ch1, ch2 []uint16
			if dumpDeint {
				ch1 = make([]uint16, dumpSamples/2)
				ch2 = make([]uint16, dumpSamples/2)
				req.Ch1, req.Ch2 = ch1, ch2
			} else {
				ch1 = make([]uint16, dumpSamples)
				req.Ch1 = ch1
			}
			n, err := dev.ReadBuffered(cmd.Context(), req)
			if err != nil {
				return err
			}
			log.WithField("samples", n).Info("ram dump complete")

			if err := writeSamples(dumpOut, ch1); err != nil {
				return err
			}
			if dumpDeint && dumpOutB != "" {
				return writeSamples(dumpOutB, ch2)
			}
			return nil
		},
	}
	c.Flags().IntVar(&startSample, "start", 0, "first sample to read")
	c.Flags().IntVar(&dumpSamples, "samples", 65536, "number of samples to read")
	c.Flags().StringVar(&dumpOut, "out", "ram.bin", "output file")
	c.Flags().StringVar(&dumpOutB, "out-b", "", "channel-B output file when --deinterleave is set")
	c.Flags().BoolVar(&dumpDeint, "deinterleave", false, "split channels into two output files")
	return c
}

// xferScratchBytes sizes the driver scratch buffer the dump path stages
// through.
const xferScratchBytes = 262144

func writeSamples(path string, samples []uint16) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	_, err = f.Write(buf)
	return err
}

func newRecordCmd(log *logrus.Entry) *cobra.Command {
	c := &cobra.Command{
		Use:   "record",
		Short: "run a recording session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(log)
		},
	}
	c.Flags().StringVar(&outputPath, "out", "", "primary output file (empty selects NullSink)")
	c.Flags().StringVar(&outputPathB, "out-b", "", "channel-B output file when --deinterleave is set")
	c.Flags().Int64Var(&totalSamples, "samples", 0, "total samples to record, 0 = indefinite")
	c.Flags().IntVar(&perTransfer, "per-transfer", 0, "per-transfer sample count, 0 = implementation default")
	c.Flags().BoolVar(&asText, "text", false, "write samples as decimal text instead of binary")
	c.Flags().BoolVar(&deinterleave, "deinterleave", false, "split channels into two output files")
	c.Flags().BoolVar(&deepBuffering, "deep-buffering", false, "use the chained multi-buffer streaming variant")
	c.Flags().BoolVar(&saveTimestamps, "save-timestamps", false, "drain the timestamp FIFO alongside the data path")
	c.Flags().StringVar(&tsPath, "ts-out", "", "timestamp output file")
	return c
}

func runRecord(log *logrus.Entry) error {
	sess, err := openSession(log)
	if err != nil {
		return err
	}
	defer sess.Close()

	p := record.Params{
		TotalSamples:       totalSamples,
		PerTransferSamples: perTransfer,
		OutputPath:         outputPath,
		OutputPathB:        outputPathB,
		TimestampPath:      tsPath,
	}
	if asText {
		p.Flags |= record.SaveAsText
	}
	if deinterleave {
		p.Flags |= record.Deinterleave
	}
	if deepBuffering {
		p.Flags |= record.DeepBuffering
	}
	if saveTimestamps {
		p.Flags |= record.SaveTimestamps
	}

	snk := record.BuildSink(p)
	prog := record.NewProgress()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		prog.RequestStop()
	}()

	dev := dualadc.NewHWDevice(sess, log)

	if deepBuffering {
		bufs, err := allocateChainBuffers(sess, p, log)
		if err != nil {
			return err
		}
		return record.RunChained(ctx, dev, bufs, p, snk, prog, log)
	}
	bufs, err := allocatePingPongBuffers(sess, p, log)
	if err != nil {
		return err
	}
	return record.RunPingPong(ctx, dev, bufs, p, snk, prog, log)
}

func transferBytes(p record.Params) int {
	n := p.PerTransferSamples
	if n <= 0 {
		n = 32768
	}
	return n * 2
}

func allocatePingPongBuffers(sess *dualadc.Session, p record.Params, log *logrus.Entry) ([2]*dmabuf.Buffer, error) {
	var bufs [2]*dmabuf.Buffer
	size := transferBytes(p)
	for i := range bufs {
		buf, err := sess.Board.Buffers.Allocate(size, sess.ID, 0)
		if err != nil {
			return bufs, err
		}
		bufs[i] = buf
	}
	return bufs, nil
}

func allocateChainBuffers(sess *dualadc.Session, p record.Params, log *logrus.Entry) ([]*dmabuf.Buffer, error) {
	n := p.ChainBuffers
	if n <= 0 {
		n = 8
	}
	size := transferBytes(p)
	bufs := make([]*dmabuf.Buffer, n)
	for i := range bufs {
		buf, err := sess.Board.Buffers.Allocate(size, sess.ID, 0)
		if err != nil {
			return nil, err
		}
		bufs[i] = buf
	}
	return bufs, nil
}
