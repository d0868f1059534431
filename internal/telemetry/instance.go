package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"sync"
)

var instanceID = sync.OnceValue(func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
})

// InstanceID identifies this process as hostname-pid-random. It is stable
// for the life of the process and exported as service.instance.id.
func InstanceID() string {
	return instanceID()
}
