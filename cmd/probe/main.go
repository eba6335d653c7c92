package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/modbus"
	"github.com/KevinKickass/OpenSolarCollector/internal/settings"
	"go.uber.org/zap"
)

// probe reads a block of holding registers from one unit to check that the
// gateway and the inverter answer.
func main() {
	host := flag.String("host", "10.35.14.10", "gateway IPv4 address")
	port := flag.Int("port", 502, "gateway TCP port")
	unit := flag.Int("unit", 1, "Modbus unit id")
	address := flag.Uint("address", 0, "first register")
	count := flag.Uint("count", 10, "number of registers")
	input := flag.Bool("input", false, "read input registers (0x04) instead of holding registers")
	timeout := flag.Duration("timeout", 2*time.Second, "response timeout")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := settings.ValidateEndpoint(*host, *port); err != nil {
		logger.Fatal("Invalid endpoint", zap.Error(err))
	}
	if *unit < 1 || *unit > 247 || *count < 1 || *count > 125 || *address > 65535 {
		logger.Fatal("Invalid request",
			zap.Int("unit", *unit), zap.Uint("address", *address), zap.Uint("count", *count))
	}

	target := net.JoinHostPort(*host, strconv.Itoa(*port))
	client := modbus.NewTCPClient(target, *timeout)
	if err := client.Connect(); err != nil {
		logger.Fatal("Gateway unreachable", zap.String("target", target), zap.Error(err))
	}
	defer client.Close()

	start := time.Now()
	var words []uint16
	if *input {
		words, err = client.ReadInputRegisters(uint8(*unit), uint16(*address), uint16(*count))
	} else {
		words, err = client.ReadHoldingRegisters(uint8(*unit), uint16(*address), uint16(*count))
	}
	rtt := time.Since(start)
	if err != nil {
		logger.Error("Read failed",
			zap.String("target", target),
			zap.Int("unit", *unit),
			zap.Bool("transport_fault", modbus.IsTransportFault(err)),
			zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Read succeeded",
		zap.String("target", target),
		zap.Int("unit", *unit),
		zap.Duration("rtt", rtt))

	fmt.Printf("%-8s %-8s %-8s\n", "Address", "Value", "Hex")
	for i, w := range words {
		fmt.Printf("%-8d %-8d 0x%04X\n", *address+uint(i), w, w)
	}
}
