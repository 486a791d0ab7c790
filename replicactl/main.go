package main

import (
	"context"
	"fmt"
	"log"
	mathrand "math/rand"
	"net/http"
	"os"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"bringyour.com/replica"
)

const ReplicaCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Replica control.

Runs a demo authoritative sender that mutates a replicated collection, and
a demo receiver that mirrors it.

Usage:
    replicactl serve --listen=<listen>
        [--records=<records>]
        [--interval=<interval>]
    replicactl sink --url=<url>
        [--jwt=<jwt>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --listen=<listen>        Listen address, e.g. 127.0.0.1:7411.
    --records=<records>      Number of demo records to churn [default: 16].
    --interval=<interval>    Milliseconds between mutations [default: 250].
    --url=<url>              Sender websocket url, e.g. ws://127.0.0.1:7411/replica.
    --jwt=<jwt>              Receiver JWT. Generated when omitted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicaCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if sink_, _ := opts.Bool("sink"); sink_ {
		sink(opts)
	}
}

// demo record

type kvItem struct {
	replica.ItemState
	key   string
	value uint32
}

func newKvItem() replica.Item {
	return &kvItem{}
}

func (self *kvItem) EncodePayload(writer *replica.Writer) error {
	writer.WriteBytes([]byte(self.key))
	writer.WriteVarint(uint64(self.value))
	return nil
}

func (self *kvItem) DecodePayload(reader *replica.Reader, decodeContext *replica.DecodeContext) error {
	key, err := reader.ReadBytes()
	if err != nil {
		return err
	}
	value, err := reader.ReadVarint()
	if err != nil {
		return err
	}
	self.key = string(key)
	self.value = uint32(value)
	return nil
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	records, _ := opts.Int("--records")
	intervalMillis, _ := opts.Int("--interval")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collection := replica.NewCollectionWithDefaults(newKvItem)
	for i := 0; i < records; i += 1 {
		item := &kvItem{
			key:   fmt.Sprintf("record-%d", i),
			value: 0,
		}
		collection.Append(item)
		collection.MarkItemDirty(item)
	}

	transport := replica.NewSenderTransportWithDefaults(cancelCtx, collection)
	defer transport.Close()

	go func() {
		interval := time.Duration(intervalMillis) * time.Millisecond
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-time.After(interval):
			}

			// attached receivers encode at any time, so mutation goes
			// through Update
			collection.Update(func() {
				switch mathrand.Intn(4) {
				case 0:
					item := &kvItem{
						key:   fmt.Sprintf("record-%d", mathrand.Intn(1<<20)),
						value: mathrand.Uint32(),
					}
					collection.Append(item)
					collection.MarkItemDirty(item)
					Out.Printf("add %s", item.key)
				case 1:
					if 1 < collection.Len() {
						i := mathrand.Intn(collection.Len())
						item := collection.Remove(i).(*kvItem)
						collection.MarkCollectionDirty()
						Out.Printf("remove %s", item.key)
					}
				default:
					if 0 < collection.Len() {
						i := mathrand.Intn(collection.Len())
						item := collection.Item(i).(*kvItem)
						item.value = mathrand.Uint32()
						collection.MarkItemDirty(item)
						Out.Printf("update %s = %d", item.key, item.value)
					}
				}
			})
		}
	}()

	http.HandleFunc("/replica", transport.HandleWs)
	Out.Printf("serving on %s", listen)
	if err := http.ListenAndServe(listen, nil); err != nil {
		Err.Fatalf("listen error = %s", err)
	}
}

func sink(opts docopt.Opts) {
	url, _ := opts.String("--url")
	byJwt, _ := opts.String("--jwt")

	if byJwt == "" {
		var err error
		byJwt, err = generateReceiverJwt()
		if err != nil {
			Err.Fatalf("jwt error = %s", err)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collection := replica.NewCollectionWithDefaults(newKvItem)
	collection.AddChangedCallback(func(changedIndexes []int, finalSize int) {
		for _, i := range changedIndexes {
			item := collection.Item(i).(*kvItem)
			Out.Printf("changed %s = %d (%d records)", item.key, item.value, finalSize)
		}
	})
	collection.AddAddedCallback(func(addedIndexes []int, finalSize int) {
		for _, i := range addedIndexes {
			item := collection.Item(i).(*kvItem)
			Out.Printf("added %s = %d (%d records)", item.key, item.value, finalSize)
		}
	})
	collection.AddRemovedCallback(func(removedIndexes []int, finalSize int) {
		Out.Printf("removed %d records (%d remain)", len(removedIndexes), finalSize)
	})

	auth := &replica.ReceiverAuth{
		ByJwt:      byJwt,
		AppVersion: ReplicaCtlVersion,
	}
	transport := replica.NewReceiverTransportWithDefaults(cancelCtx, collection, url, auth)
	defer transport.Close()

	select {}
}

func generateReceiverJwt() (string, error) {
	claims := gojwt.MapClaims{
		"client_id": replica.NewId().String(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte("replicactl"))
}
