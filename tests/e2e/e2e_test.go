package e2e

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Private message delivery", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv(100)
	})

	AfterEach(func() {
		env.close()
	})

	It("delivers a message end to end and converges both sides to delivered", func() {
		alice, err := env.dial("alice", "Alice")
		Expect(err).NotTo(HaveOccurred())
		defer alice.close()

		bob, err := env.dial("bob", "Bob")
		Expect(err).NotTo(HaveOccurred())
		defer bob.close()

		// Drain bob's user_authenticated frame before the delivery push.
		_, err = bob.readEvent(2 * time.Second)
		Expect(err).NotTo(HaveOccurred())

		// Drain alice's user_authenticated frame too: call() below discards
		// every frame that is not its own ack reply.
		_, err = alice.readEvent(2 * time.Second)
		Expect(err).NotTo(HaveOccurred())

		deliveryAcked := make(chan struct{})
		go func() {
			defer close(deliveryAcked)
			frame, err := bob.readEvent(2 * time.Second)
			if err != nil || frame.Event != "update_message_status" || frame.AckID == "" {
				return
			}
			ack, _ := json.Marshal(map[string]any{"success": true, "message": "delivered"})
			bob.ws.WriteJSON(wireFrame{Event: "ack", AckID: frame.AckID, Data: ack})
		}()

		env_, err := alice.call("sendMessage", map[string]any{
			"recipientId": "bob",
			"content":     "hello bob",
		}, 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(env_.Success).To(BeTrue())

		var sent struct {
			Status string `json:"status"`
		}
		Expect(json.Unmarshal(env_.Result, &sent)).To(Succeed())
		Expect(sent.Status).To(Equal("pending"))

		Eventually(deliveryAcked, 2*time.Second).Should(BeClosed())

		// Alice's own final-status push converges once delivery completes.
		final, err := alice.readEvent(2 * time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Event).To(Equal("update_message_status"))

		var status struct {
			Status string `json:"status"`
		}
		Expect(json.Unmarshal(final.Data, &status)).To(Succeed())
		Expect(status.Status).To(Equal("delivered"))
	})

	It("rejects a typing indicator with no recipient as invalid data", func() {
		alice, err := env.dial("alice", "Alice")
		Expect(err).NotTo(HaveOccurred())
		defer alice.close()

		_, err = alice.readEvent(2 * time.Second) // user_authenticated
		Expect(err).NotTo(HaveOccurred())

		env_, err := alice.call("typing", map[string]any{"isTyping": true}, 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(env_.Success).To(BeFalse())
		Expect(env_.Error).To(Equal("Invalid data"))
	})
})

var _ = Describe("Connection admission", func() {
	It("rejects the connection once MAX_TOTAL_CONNECTIONS is reached", func() {
		env := newTestEnv(1)
		defer env.close()

		first, err := env.dial("alice", "Alice")
		Expect(err).NotTo(HaveOccurred())
		defer first.close()

		_, err = first.readEvent(2 * time.Second) // user_authenticated
		Expect(err).NotTo(HaveOccurred())

		second, err := env.dial("bob", "Bob")
		Expect(err).NotTo(HaveOccurred())
		defer second.close()

		// The handshake upgrades before capacity is checked, so the
		// connection is accepted at the transport level and then closed
		// immediately without a user_authenticated frame.
		_, err = second.readEvent(2 * time.Second)
		Expect(err).To(HaveOccurred())
	})
})
