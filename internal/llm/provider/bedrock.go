package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	bedrockDefaultRegion = "us-east-1"
	bedrockDefaultModel  = "anthropic.claude-3-haiku-20240307-v1:0"
	bedrockLoadTimeout   = 10 * time.Second
)

func init() {
	RegisterFactory("bedrock", func(cfg Config) (Provider, error) {
		region := cfg.Region
		if region == "" {
			region = bedrockDefaultRegion
		}

		ctx, cancel := context.WithTimeout(context.Background(), bedrockLoadTimeout)
		defer cancel()

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewBedrockProvider(bedrockruntime.NewFromConfig(awsCfg), bedrock.NewFromConfig(awsCfg)), nil
	})
}

// converseAPI is the subset of the bedrockruntime client in use.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// foundationModelAPI is the subset of the bedrock control-plane client in use.
type foundationModelAPI interface {
	GetFoundationModel(ctx context.Context, params *bedrock.GetFoundationModelInput, optFns ...func(*bedrock.Options)) (*bedrock.GetFoundationModelOutput, error)
}

// BedrockProvider implements Provider with the Bedrock Converse API.
type BedrockProvider struct {
	runtime    converseAPI
	control    foundationModelAPI
	maxRetries int
}

// NewBedrockProvider wires the runtime and control-plane clients.
func NewBedrockProvider(runtime converseAPI, control foundationModelAPI) *BedrockProvider {
	return &BedrockProvider{runtime: runtime, control: control, maxRetries: defaultMaxRetries}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// CreateCompletion sends one Converse call.
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	input := buildConverseInput(req)

	out, err := withRetry(ctx, p.maxRetries, func() (*bedrockruntime.ConverseOutput, error) {
		out, err := p.runtime.Converse(ctx, input)
		if err != nil {
			return nil, wrapBedrockError(err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return parseConverseOutput(out)
}

// CreateStructured has no native schema mode on Converse, so the schema is
// carried in the prompt and the reply is validated locally.
func (p *BedrockProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	return structuredViaPrompt(ctx, p, req)
}

// CheckModel confirms the model ID is known to the Bedrock control plane.
func (p *BedrockProvider) CheckModel(ctx context.Context, model string) error {
	if model == "" {
		model = bedrockDefaultModel
	}
	out, err := p.control.GetFoundationModel(ctx, &bedrock.GetFoundationModelInput{
		ModelIdentifier: aws.String(model),
	})
	if err != nil {
		return wrapBedrockError(err)
	}
	if out.ModelDetails == nil {
		return NewProviderError("bedrock", ErrorCodeModelNotFound, "model "+model+" not available", nil)
	}
	return nil
}

func buildConverseInput(req CompletionRequest) *bedrockruntime.ConverseInput {
	model := req.Model
	if model == "" {
		model = bedrockDefaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			input.System = append(input.System, &types.SystemContentBlockMemberText{Value: m.Content})
		case "assistant":
			input.Messages = append(input.Messages, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			input.Messages = append(input.Messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	return input
}

func parseConverseOutput(out *bedrockruntime.ConverseOutput) (*CompletionResponse, error) {
	if out == nil {
		return nil, NewProviderError("bedrock", ErrorCodeUnknown, "empty response", nil)
	}
	if out.StopReason == types.StopReasonContentFiltered || out.StopReason == types.StopReasonGuardrailIntervened {
		return nil, NewProviderError("bedrock", ErrorCodeContentFiltered, "response blocked: "+string(out.StopReason), nil)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, NewProviderError("bedrock", ErrorCodeUnknown, "no message in response", nil)
	}

	var content strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			content.WriteString(text.Value)
		}
	}

	resp := &CompletionResponse{
		Content:      content.String(),
		FinishReason: string(out.StopReason),
	}
	if out.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

func wrapBedrockError(err error) error {
	var (
		throttling  *types.ThrottlingException
		timeout     *types.ModelTimeoutException
		validation  *types.ValidationException
		denied      *types.AccessDeniedException
		notFound    *types.ResourceNotFoundException
		unavailable *types.ServiceUnavailableException
		internal    *types.InternalServerException
		notReady    *types.ModelNotReadyException
	)

	code := ErrorCodeUnknown
	switch {
	case errors.As(err, &throttling):
		code = ErrorCodeRateLimit
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		code = ErrorCodeTimeout
	case errors.As(err, &validation):
		code = ErrorCodeInvalidRequest
	case errors.As(err, &denied):
		code = ErrorCodeAuthentication
	case errors.As(err, &notFound):
		code = ErrorCodeModelNotFound
	case errors.As(err, &unavailable), errors.As(err, &internal), errors.As(err, &notReady):
		code = ErrorCodeServerError
	}

	return NewProviderError("bedrock", code, err.Error(), err)
}
