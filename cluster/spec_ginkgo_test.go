package cluster_test

// Marshal/unmarshal round-trip suite for ComponentSpecification,
// kept in ginkgo shape for the one part of the data model -- persisted
// specs carrying their links -- where the Describe/It texture beats a
// plain table test.

import (
	"encoding/json"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/wasmcloud/host/cluster"
)

func TestClusterGinkgoSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cluster ginkgo suite")
}

var _ = Describe("ComponentSpecification marshal and unmarshal", func() {
	var spec *cluster.ComponentSpecification

	BeforeEach(func() {
		spec = &cluster.ComponentSpecification{
			ID:  "hello_world",
			URL: "oci://ghcr.io/wasmcloud/hello:1.0.0",
			Links: []cluster.LinkDefinition{
				{
					SourceID:   "hello_world",
					Target:     "httpserver",
					WITNS:      "wasi",
					WITPkg:     "http",
					Interfaces: []string{"outgoing-handler"},
					Name:       "default",
				},
			},
		}
	})

	It("round-trips through JSON without losing the embedded links", func() {
		raw, err := json.Marshal(spec)
		Expect(err).NotTo(HaveOccurred())

		loaded := &cluster.ComponentSpecification{}
		Expect(json.Unmarshal(raw, loaded)).To(Succeed())

		Expect(loaded.URL).To(Equal(spec.URL))
		Expect(loaded.Links).To(HaveLen(1))
		Expect(loaded.Links[0].Target).To(Equal("httpserver"))
		Expect(loaded.Links[0].Key()).To(Equal(spec.Links[0].Key()))
	})

	It("defaults an empty link name to \"default\"", func() {
		link := cluster.LinkDefinition{SourceID: "a", WITNS: "ns", WITPkg: "pkg", Interfaces: []string{"i"}}
		Expect(link.Key().Name).To(Equal("default"))
	})
})
