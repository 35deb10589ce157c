package topic

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Substring", func() {
	var f *Substring

	BeforeEach(func() {
		var err error
		f, err = NewSubstring("alf")
		Expect(err).NotTo(HaveOccurred())
	})

	It("matches regardless of case", func() {
		Expect(f.IsRelevant("I love my ALF poster")).To(BeTrue())
		Expect(f.IsRelevant("#Alf")).To(BeTrue())
	})

	It("rejects text without the token", func() {
		Expect(f.IsRelevant("no match here")).To(BeFalse())
	})

	It("treats empty text as not relevant", func() {
		Expect(f.IsRelevant("")).To(BeFalse())
	})

	It("refuses an empty token", func() {
		_, err := NewSubstring("  ")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Words", func() {
	It("matches whole keywords and hashtags only", func() {
		f, err := NewWords("alf", "#melmac")
		Expect(err).NotTo(HaveOccurred())

		Expect(f.IsRelevant("ALF is back")).To(BeTrue())
		Expect(f.IsRelevant("greetings from #Melmac!")).To(BeTrue())
		Expect(f.IsRelevant("cut it in half")).To(BeFalse())
		Expect(f.IsRelevant("")).To(BeFalse())
	})

	It("requires at least one keyword", func() {
		_, err := NewWords("", " ")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("New", func() {
	It("defaults to substring matching", func() {
		f, err := New("topic", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.IsRelevant("check this #TOPIC")).To(BeTrue())
	})

	It("splits comma separated keywords in word mode", func() {
		f, err := New("alf,tanner", MatchWord)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.IsRelevant("the Tanner family")).To(BeTrue())
	})

	It("rejects unknown modes", func() {
		_, err := New("alf", "fuzzy")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("FilterFunc", func() {
	It("adapts a function", func() {
		var f Filter = FilterFunc(func(text string) bool { return text == "x" })
		Expect(f.IsRelevant("x")).To(BeTrue())
		Expect(f.IsRelevant("y")).To(BeFalse())
	})
})
