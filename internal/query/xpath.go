package query

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// XPathQuery extracts a value from the XML document using an XPath expression.
func XPathQuery(body []byte, xPath string, namespaces map[string]string) (result string, success bool) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		logger.Warnf("failed to parse XML data: %v", err)
		return "", false
	}

	if namespaces == nil {
		namespaces = make(map[string]string)
	}
	expr, err := xpath.CompileWithNS(xPath, namespaces)
	if err != nil {
		logger.Warnf("failed to compile XPath expression: %v", err)
		return "", false
	}

	queryResult := xmlquery.QuerySelector(doc, expr)
	if queryResult == nil {
		// empty is a valid result
		return "", true
	}

	return queryResult.InnerText(), true
}

// Parse wraps xmlquery.Parse for callers that walk the node tree themselves.
func Parse(body []byte) (*xmlquery.Node, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse XML: %w", err)
	}
	return doc, nil
}

// LocalPath converts a list of element names into a namespace-agnostic XPath
// using local-name() steps, e.g. LocalPath("Envelope", "Header", "To") ->
// "//*[local-name()='Envelope']/*[local-name()='Header']/*[local-name()='To']".
// Exchange partners disagree on namespace prefixes, so all inbound paths go
// through this.
func LocalPath(names ...string) string {
	var b strings.Builder
	for i, n := range names {
		if i == 0 {
			b.WriteString("//")
		} else {
			b.WriteString("/")
		}
		b.WriteString("*[local-name()='")
		b.WriteString(n)
		b.WriteString("']")
	}
	return b.String()
}

// FindOne returns the first node matching the path, or nil.
func FindOne(doc *xmlquery.Node, path string) *xmlquery.Node {
	return xmlquery.FindOne(doc, path)
}

// FindAll returns every node matching the path.
func FindAll(doc *xmlquery.Node, path string) []*xmlquery.Node {
	return xmlquery.Find(doc, path)
}

// Text returns the inner text of the first node matching the path, or "".
func Text(doc *xmlquery.Node, path string) string {
	if n := xmlquery.FindOne(doc, path); n != nil {
		return strings.TrimSpace(n.InnerText())
	}
	return ""
}

// Attr returns the named attribute of the first node matching the path, or "".
func Attr(doc *xmlquery.Node, path, attr string) string {
	if n := xmlquery.FindOne(doc, path); n != nil {
		return n.SelectAttr(attr)
	}
	return ""
}
