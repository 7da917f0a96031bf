package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial.v1"

	config "github.com/avvvet/library-services/configs"
	"github.com/avvvet/library-services/internal/comm"
	"github.com/avvvet/library-services/internal/nats"
	"github.com/avvvet/library-services/internal/scansim"
)

const SERVICE_NAME = "scansim"

var device string

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	config.LoadEnv(SERVICE_NAME)

	root := &cobra.Command{
		Use:           "scansim",
		Short:         "Publish synthetic library scans or bridge a serial RFID reader onto NATS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&device, "device", "d", "", "device id reported with each scan")

	root.AddCommand(tagCmd("card"), tagCmd("book"), faceCmd(), serialCmd(), portsCmd(), listenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func connect() (*natsgo.Conn, error) {
	n, err := nats.Connect(SERVICE_NAME)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return n.Conn, nil
}

func tagCmd(kind string) *cobra.Command {
	return &cobra.Command{
		Use:   kind + " <uid>...",
		Short: "Publish one " + kind + " scan per uid",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, err := scansim.TopicFor(kind)
			if err != nil {
				return err
			}
			nc, err := connect()
			if err != nil {
				return err
			}
			defer nc.Close()

			for _, uid := range args {
				if err := scansim.PublishScan(nc, topic, uid, device); err != nil {
					return fmt.Errorf("%s %s: %w", kind, uid, err)
				}
				fmt.Printf("%s %s -> %s\n", kind, scansim.NormalizeUID(uid), topic)
			}
			return nc.Flush()
		},
	}
}

func faceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "face <userId> <image-file>",
		Short: "Submit a face capture for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			image, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			nc, err := connect()
			if err != nil {
				return err
			}
			defer nc.Close()

			if err := scansim.PublishFace(nc, userID, image, device); err != nil {
				return err
			}
			fmt.Printf("face capture for user %d -> %s\n", userID, comm.TopicFaceScan)
			return nc.Flush()
		},
	}
}

func serialCmd() *cobra.Command {
	var (
		port     string
		baud     int
		kind     string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Bridge a line-oriented serial RFID reader onto the scan topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, err := scansim.TopicFor(kind)
			if err != nil {
				return err
			}

			p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
			if err != nil {
				return fmt.Errorf("open %s: %w", port, err)
			}

			nc, err := connect()
			if err != nil {
				p.Close()
				return err
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// closing the port unblocks the pending read
			go func() {
				<-ctx.Done()
				p.Close()
			}()

			log.Infof("bridging %s (%d baud) to %s as device %q", port, baud, topic, device)

			b := &scansim.Bridge{Pub: nc, Topic: topic, Device: device, Debounce: debounce}
			sent, err := b.Run(ctx, p)
			log.Infof("serial bridge stopped after %d scan(s)", sent)
			if err != nil {
				return err
			}
			return nc.Flush()
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "/dev/ttyUSB0", "serial port of the reader")
	cmd.Flags().IntVarP(&baud, "baud", "b", 9600, "baud rate")
	cmd.Flags().StringVarP(&kind, "kind", "k", "card", "tag kind the reader sees: card or book")
	cmd.Flags().DurationVar(&debounce, "debounce", scansim.DefaultDebounce, "ignore the same uid repeated within this window")
	return cmd
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.GetPortsList()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print device acknowledgments as readers would show them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := connect()
			if err != nil {
				return err
			}
			defer nc.Close()

			sub, err := nc.Subscribe(comm.TopicDeviceResponse, func(m *natsgo.Msg) {
				var ack comm.DeviceAck
				if err := comm.Unmarshal(m.Data, &ack); err != nil {
					log.Warnf("malformed ack: %s", err)
					return
				}
				if device != "" && ack.Device != device {
					return
				}
				fmt.Println(scansim.FormatAck(ack))
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}
