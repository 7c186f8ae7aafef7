// Command fakeworker is a minimal stand-in for the real worker process
// (spec §1 "the worker process itself ... out of scope"): it discovers a
// coordinator via its announce beacon, speaks just enough of the
// request/reply protocol (spec §6) to exercise an end-to-end run, and
// terminates on stdin EOF like the worker contract requires.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/protocol"
)

const (
	workPollInterval  = 200 * time.Millisecond
	noWorkExitStreak  = 15 // give up after this many consecutive NoWork replies.
	beaconReadTimeout = 30 * time.Second
)

func main() {
	announceAddr := flag.String("work-announce", "", "UDP address to listen for the coordinator's announce beacon")
	_ = flag.String("plugins-directory", "", "plugin directory (unused by this stub)")
	flag.Parse()

	if *announceAddr == "" {
		log.Fatal("fakeworker: --work-announce is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go exitOnStdinEOF(cancel)

	analysisID, boundaryAddr, err := discover(*announceAddr)
	if err != nil {
		log.Fatalf("fakeworker: discover coordinator: %v", err)
	}

	log.Printf("fakeworker: discovered analysis %s at %s", analysisID, boundaryAddr)

	conn, err := net.Dial("tcp", boundaryAddr)
	if err != nil {
		log.Fatalf("fakeworker: dial %s: %v", boundaryAddr, err)
	}

	stream := jsonrpc2.NewBufferedStream(conn, jsonrpc2.VSCodeObjectCodec{})
	rpc := jsonrpc2.NewConn(ctx, stream, nil)
	defer rpc.Close()

	if err := run(ctx, rpc); err != nil {
		log.Printf("fakeworker: %v", err)
	}
}

// exitOnStdinEOF implements the deadman-switch contract: the coordinator
// closing our stdin must cause prompt termination (spec §4.4 step 4).
func exitOnStdinEOF(cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
	}

	cancel()
	os.Exit(0)
}

// discover listens for one beacon datagram of the form "<analysisID>
// <boundaryAddr>" (the wire format announce.Beacon writes).
func discover(addr string) (analysisID, boundaryAddr string, err error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("parse announce address: %w", err)
	}

	if _, err := strconv.Atoi(port); err != nil {
		return "", "", fmt.Errorf("announce port: %w", err)
	}

	pc, err := net.ListenPacket("udp4", ":"+port)
	if err != nil {
		return "", "", fmt.Errorf("listen udp: %w", err)
	}
	defer pc.Close()

	_ = pc.SetReadDeadline(time.Now().Add(beaconReadTimeout))

	buf := make([]byte, 1024)

	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		return "", "", fmt.Errorf("read beacon: %w", err)
	}

	fields := strings.Fields(string(buf[:n]))
	if len(fields) != 2 {
		return "", "", fmt.Errorf("malformed beacon datagram: %q", string(buf[:n]))
	}

	return fields[0], fields[1], nil
}

func run(ctx context.Context, rpc *jsonrpc2.Conn) error {
	var prefsReply protocol.PipelinePreferencesReply
	if err := rpc.Call(ctx, string(protocol.MethodPipelinePreferences), nil, &prefsReply); err != nil {
		return fmt.Errorf("PipelinePreferences: %w", err)
	}

	var modules []string
	_ = json.Unmarshal(prefsReply.PipelineBlob, &modules)

	var initialReply protocol.InitialMeasurementsReply
	if err := rpc.Call(ctx, string(protocol.MethodInitialMeasurements), nil, &initialReply); err != nil {
		return fmt.Errorf("InitialMeasurements: %w", err)
	}

	noWorkStreak := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var work protocol.WorkReply
		if err := rpc.Call(ctx, string(protocol.MethodWork), nil, &work); err != nil {
			return fmt.Errorf("Work: %w", err)
		}

		if !work.HasWork {
			noWorkStreak++
			if noWorkStreak >= noWorkExitStreak {
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(workPollInterval):
			}

			continue
		}

		noWorkStreak = 0

		if err := processJob(ctx, rpc, work, len(modules)); err != nil {
			return err
		}
	}
}

// processJob simulates executing one job: report measurements for every
// image number, then signal success (spec §6).
func processJob(ctx context.Context, rpc *jsonrpc2.Conn, work protocol.WorkReply, moduleCount int) error {
	blob, err := json.Marshal(map[string]any{"image_set_numbers": work.ImageSetNumbers})
	if err != nil {
		return fmt.Errorf("marshal measurements: %w", err)
	}

	var ack protocol.AckReply
	if err := rpc.Call(ctx, string(protocol.MethodMeasurementsReport), protocol.MeasurementsReportParams{
		ImageSetNumbers: work.ImageSetNumbers,
		Buf:             blob,
	}, &ack); err != nil {
		return fmt.Errorf("MeasurementsReport: %w", err)
	}

	params := protocol.ImageSetSuccessParams{ImageSetNumber: lastOf(work.ImageSetNumbers)}

	if work.WantsDictionary {
		params.SharedDicts = make([]protocol.SharedDict, moduleCount)
		for i := range params.SharedDicts {
			params.SharedDicts[i] = protocol.SharedDict{Data: []byte("{}")}
		}
	}

	var successAck protocol.AckReply
	if err := rpc.Call(ctx, string(protocol.MethodImageSetSuccess), params, &successAck); err != nil {
		return fmt.Errorf("ImageSetSuccess: %w", err)
	}

	return nil
}

func lastOf(nums []int) int {
	if len(nums) == 0 {
		return 0
	}

	return nums[len(nums)-1]
}
