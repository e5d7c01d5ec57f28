package awslambda

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/adapter"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/handler"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// LambdaAdapter represents the AWS Lambda runtime adapter
type LambdaAdapter struct {
	handler *handler.Handler
}

// NewAdapter creates a new Lambda adapter instance
func NewAdapter(h *handler.Handler) adapter.Adapter {
	return &LambdaAdapter{handler: h}
}

// Start begins the Lambda runtime
func (a *LambdaAdapter) Start() {
	lambda.Start(a.HandleLambdaRequest)
}

// HandleLambdaRequest handles incoming Lambda requests and routes them to the appropriate handler.
func (a *LambdaAdapter) HandleLambdaRequest(req json.RawMessage) (interface{}, error) {
	var apiGatewayReq events.APIGatewayProxyRequest
	var lambdaFunctionURLReq events.LambdaFunctionURLRequest

	if err := json.Unmarshal(req, &apiGatewayReq); err == nil && apiGatewayReq.HTTPMethod != "" {
		return a.handleAPIGatewayProxyRequest(apiGatewayReq)
	} else if err := json.Unmarshal(req, &lambdaFunctionURLReq); err == nil && lambdaFunctionURLReq.RequestContext.HTTP.Method != "" {
		return a.handleLambdaFunctionURLRequest(lambdaFunctionURLReq)
	} else {
		return events.LambdaFunctionURLResponse{StatusCode: 400, Body: "Unsupported request type"}, nil
	}
}

// handleAPIGatewayProxyRequest processes API Gateway Proxy requests.
func (a *LambdaAdapter) handleAPIGatewayProxyRequest(req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	httpReq, err := convertLambdaRequestToHTTPRequest(req.HTTPMethod, req.Path, req.Headers, req.Body, req.IsBase64Encoded)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: 500, Body: "Failed to convert request"}, nil
	}
	logRequest(httpReq)

	recorder := &responseRecorder{Headers: make(http.Header)}
	a.handler.HandleRequest(recorder, httpReq)
	logResponse(recorder)

	return events.APIGatewayProxyResponse{
		StatusCode: recorder.StatusCode,
		Headers:    convertHTTPHeaderToMap(recorder.Headers),
		Body:       recorder.Body.String(),
	}, nil
}

// handleLambdaFunctionURLRequest processes Lambda Function URL requests.
func (a *LambdaAdapter) handleLambdaFunctionURLRequest(req events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	httpReq, err := convertLambdaRequestToHTTPRequest(req.RequestContext.HTTP.Method, req.RawPath, req.Headers, req.Body, req.IsBase64Encoded)
	if err != nil {
		return events.LambdaFunctionURLResponse{StatusCode: 500, Body: "Failed to convert request"}, nil
	}
	logRequest(httpReq)

	recorder := &responseRecorder{Headers: make(http.Header)}
	a.handler.HandleRequest(recorder, httpReq)
	logResponse(recorder)

	return events.LambdaFunctionURLResponse{
		StatusCode: recorder.StatusCode,
		Headers:    convertHTTPHeaderToMap(recorder.Headers),
		Body:       recorder.Body.String(),
	}, nil
}

// convertLambdaRequestToHTTPRequest converts a Lambda request to an http.Request.
// Gateways base64-encode binary-looking SOAP bodies.
func convertLambdaRequestToHTTPRequest(method, path string, headers map[string]string, body string, isBase64 bool) (*http.Request, error) {
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, err
		}
		body = string(decoded)
	}

	httpReq, err := http.NewRequest(method, path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}
	return httpReq, nil
}

// convertHTTPHeaderToMap converts http.Header to a map[string]string.
func convertHTTPHeaderToMap(header http.Header) map[string]string {
	result := make(map[string]string)
	for key, values := range header {
		result[key] = strings.Join(values, ",")
	}
	return result
}

// logRequest logs the incoming HTTP request at TRACE level
func logRequest(req *http.Request) {
	logger.Tracef("request: %s %s", req.Method, req.URL.String())
}

// logResponse logs the outgoing HTTP response at TRACE level
func logResponse(resp *responseRecorder) {
	logger.Tracef("response: %d %s", resp.StatusCode, &resp.Body)
}
