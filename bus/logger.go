package bus

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "bus"})

func SetLogger(l *logrus.Entry) {
	logger = l
}
