package monitor

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"marketpipe/config"
	"marketpipe/logger"
)

// LogSink writes findings to the structured log. Always enabled.
type LogSink struct {
	log *logger.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger().WithComponent("monitor")}
}

func (s *LogSink) Emit(ctx context.Context, f Finding) error {
	entry := s.log.WithFields(logger.Fields{
		"check":    f.Check,
		"table":    f.Table,
		"exchange": f.Exchange,
		"symbol":   f.Symbol,
		"severity": string(f.Severity),
	})
	if f.Severity == SeverityCritical {
		entry.Error(f.Detail)
	} else {
		entry.Warn(f.Detail)
	}
	return nil
}

// CloudWatchSink publishes one datum per finding so alarms can trigger on
// check/severity dimensions.
type CloudWatchSink struct {
	client    *cloudwatch.Client
	namespace string
}

// NewCloudWatchSink builds the sink. A nil sink with nil error is returned
// when the AWS configuration cannot be loaded, so callers degrade to the log
// sink instead of failing startup.
func NewCloudWatchSink(ctx context.Context, cfg config.CloudWatchConfig) (*CloudWatchSink, error) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch findings disabled")
		return nil, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "Marketpipe"
	}
	log.WithFields(logger.Fields{"region": awsCfg.Region, "namespace": namespace}).Info("initialized CloudWatch sink")
	return &CloudWatchSink{client: cloudwatch.NewFromConfig(awsCfg), namespace: namespace}, nil
}

func (s *CloudWatchSink) Emit(ctx context.Context, f Finding) error {
	dims := []cwtypes.Dimension{
		{Name: aws.String("check"), Value: aws.String(f.Check)},
		{Name: aws.String("severity"), Value: aws.String(string(f.Severity))},
	}
	if f.Table != "" {
		dims = append(dims, cwtypes.Dimension{Name: aws.String("table"), Value: aws.String(f.Table)})
	}
	if f.Exchange != "" {
		dims = append(dims, cwtypes.Dimension{Name: aws.String("exchange"), Value: aws.String(f.Exchange)})
	}

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(s.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String("data_quality_finding"),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(1),
		}},
	})
	return err
}
