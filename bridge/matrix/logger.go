package matrix

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "bridge/matrix"})

func SetLogger(l *logrus.Entry) {
	logger = l
}
